package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/app"
	"github.com/charlesng35/activator/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

const (
	commandServe         = "serve"
	commandRefreshTokens = "refresh-tokens"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("activator", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: activator [-config path] [%s|%s]\n", commandServe, commandRefreshTokens)
		fs.PrintDefaults()
	}

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	command, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("derived runtime setting", zap.String("key", key))
	}

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}

	if command == commandRefreshTokens {
		defer func() {
			sctx, cancel := shutdownCtx()
			defer cancel()
			stack.Shutdown(sctx, log)
		}()
		return runRefresh(ctx, stack, log)
	}

	if err := stack.StartScheduler(cfg); err != nil {
		sctx, cancel := shutdownCtx()
		defer cancel()
		stack.Shutdown(sctx, log)
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		sctx, cancel := shutdownCtx()
		defer cancel()
		stack.Shutdown(sctx, log)
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	sctx, cancel := shutdownCtx()
	defer cancel()

	if err := server.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stack.Shutdown(sctx, log)
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	stack.Shutdown(sctx, log)

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func parseCommand(args []string) (string, error) {
	switch len(args) {
	case 0:
		return commandServe, nil
	case 1:
		switch command := strings.ToLower(strings.TrimSpace(args[0])); command {
		case commandServe, commandRefreshTokens:
			return command, nil
		default:
			return "", fmt.Errorf("unknown command %q", args[0])
		}
	default:
		return "", fmt.Errorf("expected at most one command, got %d", len(args))
	}
}

func runRefresh(ctx context.Context, stack *runtimeStack, log *zap.Logger) error {
	stats, err := stack.Scheduler.RefreshExpiredTokens(ctx)
	log.Info("refresh command finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("regenerated", stats.Regenerated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	if err != nil {
		return fmt.Errorf("refresh tokens: %w", err)
	}
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
