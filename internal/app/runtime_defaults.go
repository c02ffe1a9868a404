package app

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultLoginPath = "/login"

// ApplyRuntimeDefaults fills derived settings that cannot be expressed as static defaults.
// It returns a map describing which keys were derived so callers can log the event.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	frontend, err := normalizeBaseURL(cfg.Activation.FrontendURL)
	if err != nil {
		return nil, fmt.Errorf("activation.frontend_url: %w", err)
	}
	cfg.Activation.FrontendURL = frontend

	if strings.TrimSpace(cfg.Activation.LoginURL) == "" {
		cfg.Activation.LoginURL = frontend + defaultLoginPath
		generated["activation.login_url"] = true
	} else {
		login, err := normalizeBaseURL(cfg.Activation.LoginURL)
		if err != nil {
			return nil, fmt.Errorf("activation.login_url: %w", err)
		}
		cfg.Activation.LoginURL = login
	}

	if strings.TrimSpace(cfg.Email.SMTP.FromName) == "" && strings.TrimSpace(cfg.Activation.ProductName) != "" {
		cfg.Email.SMTP.FromName = strings.TrimSpace(cfg.Activation.ProductName)
		generated["email.smtp.from_name"] = true
	}

	return generated, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	return strings.TrimRight(raw, "/"), nil
}
