package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/activator/pkg/logger"
	pkgmail "github.com/charlesng35/activator/pkg/mail"
	"github.com/charlesng35/activator/pkg/metrics"
)

// EmailKind selects the activation email template.
type EmailKind int

const (
	EmailRegistration EmailKind = iota + 1
	EmailResend
	EmailAutomaticResend
)

func (k EmailKind) String() string {
	switch k {
	case EmailRegistration:
		return "registration"
	case EmailResend:
		return "resend"
	case EmailAutomaticResend:
		return "automatic_resend"
	default:
		return "unknown"
	}
}

// ErrInvalidRecipient is returned when the destination address cannot be parsed.
var ErrInvalidRecipient = errors.New("activation mailer: invalid recipient address")

// MailerOption customises the ActivationMailer.
type MailerOption func(*ActivationMailer)

// WithMailerLogger overrides the module logger.
func WithMailerLogger(log *zap.Logger) MailerOption {
	return func(m *ActivationMailer) {
		if log != nil {
			m.log = log
		}
	}
}

// WithProductName sets the name used in subjects and greetings.
func WithProductName(name string) MailerOption {
	return func(m *ActivationMailer) {
		if name = strings.TrimSpace(name); name != "" {
			m.productName = name
		}
	}
}

// ActivationMailer renders activation emails and hands them to a mail.Mailer.
type ActivationMailer struct {
	mailer      pkgmail.Mailer
	frontendURL string
	productName string
	log         *zap.Logger
}

// NewActivationMailer constructs the mailer. frontendURL is the base of
// activation and resend links.
func NewActivationMailer(mailer pkgmail.Mailer, frontendURL string, opts ...MailerOption) (*ActivationMailer, error) {
	if mailer == nil {
		return nil, errors.New("activation mailer: mailer is required")
	}
	frontendURL = strings.TrimRight(strings.TrimSpace(frontendURL), "/")
	if frontendURL == "" {
		return nil, errors.New("activation mailer: frontend url is required")
	}
	if _, err := url.ParseRequestURI(frontendURL); err != nil {
		return nil, fmt.Errorf("activation mailer: frontend url: %w", err)
	}

	m := &ActivationMailer{
		mailer:      mailer,
		frontendURL: frontendURL,
		productName: "Activator",
		log:         logger.WithModule("activation_mailer"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ActivationLink returns the URL that consumes plainToken.
func (m *ActivationMailer) ActivationLink(plainToken string) string {
	return m.frontendURL + "/activate_account/" + url.PathEscape(plainToken)
}

// ResendLink returns the URL that requests a fresh activation email.
func (m *ActivationMailer) ResendLink(email string) string {
	return m.frontendURL + "/resend_activation_account/" + url.PathEscape(email)
}

// SendActivationEmail renders kind for the recipient and delivers it. A
// disabled SMTP transport is not treated as a failure.
func (m *ActivationMailer) SendActivationEmail(ctx context.Context, email, plainToken, displayName string, kind EmailKind) error {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		metrics.ActivationEmails.WithLabelValues(kind.String(), "failed").Inc()
		m.log.Warn("activation email skipped: invalid recipient",
			zap.String("email", email),
			zap.String("kind", kind.String()))
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, email)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = email
	}

	message, err := m.render(kind, email, plainToken, displayName)
	if err != nil {
		metrics.ActivationEmails.WithLabelValues(kind.String(), "failed").Inc()
		return err
	}

	if err := m.mailer.Send(ctx, message); err != nil {
		if errors.Is(err, pkgmail.ErrSMTPDisabled) {
			metrics.ActivationEmails.WithLabelValues(kind.String(), "disabled").Inc()
			m.log.Debug("activation email not sent: smtp disabled",
				zap.String("email", email),
				zap.String("kind", kind.String()))
			return nil
		}
		metrics.ActivationEmails.WithLabelValues(kind.String(), "failed").Inc()
		m.log.Error("activation email delivery failed",
			zap.String("email", email),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return fmt.Errorf("activation mailer: send %s email: %w", kind, err)
	}

	metrics.ActivationEmails.WithLabelValues(kind.String(), "sent").Inc()
	m.log.Info("activation email sent",
		zap.String("email", email),
		zap.String("kind", kind.String()))
	return nil
}

func (m *ActivationMailer) render(kind EmailKind, email, plainToken, displayName string) (pkgmail.Message, error) {
	activationLink := m.ActivationLink(plainToken)
	name := html.EscapeString(displayName)
	href := html.EscapeString(activationLink)

	var subject, text, htmlBody string
	switch kind {
	case EmailRegistration:
		subject = fmt.Sprintf("Confirm your %s account", m.productName)
		text = fmt.Sprintf("Hello %s,\n\nThanks for signing up. Activate your account by visiting the link below:\n%s\n\nIf you did not create an account, you can ignore this message.\n",
			displayName, activationLink)
		htmlBody = fmt.Sprintf("<p>Hello %s,</p><p>Thanks for signing up. Activate your account with the link below:</p><p><a href=\"%s\">Activate my account</a></p><p>If you did not create an account, you can ignore this message.</p>",
			name, href)
	case EmailResend:
		subject = fmt.Sprintf("Your new %s activation link", m.productName)
		text = fmt.Sprintf("Hello %s,\n\nHere is a new link to activate your account:\n%s\n", displayName, activationLink)
		htmlBody = fmt.Sprintf("<p>Hello %s,</p><p>Here is a new link to activate your account:</p><p><a href=\"%s\">Activate my account</a></p>",
			name, href)
	case EmailAutomaticResend:
		resendLink := m.ResendLink(email)
		subject = fmt.Sprintf("Your %s activation link was renewed", m.productName)
		text = fmt.Sprintf("Hello %s,\n\nYour previous activation link expired, so here is a new one:\n%s\n\nIf it expires again, request another one here:\n%s\n",
			displayName, activationLink, resendLink)
		htmlBody = fmt.Sprintf("<p>Hello %s,</p><p>Your previous activation link expired, so here is a new one:</p><p><a href=\"%s\">Activate my account</a></p><p>If it expires again, <a href=\"%s\">request another link</a>.</p>",
			name, href, html.EscapeString(resendLink))
	default:
		return pkgmail.Message{}, fmt.Errorf("activation mailer: unknown email kind %d", int(kind))
	}

	return pkgmail.Message{
		To:       []string{email},
		Subject:  subject,
		Body:     text,
		HTMLBody: htmlBody,
	}, nil
}
