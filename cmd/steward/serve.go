package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/service"
	"github.com/rendis/steward/pkg/mcp"
	"github.com/rendis/steward/pkg/schema"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the steward MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}
}

func (a *app) serve(cmd *cobra.Command) error {
	v := config.New(a.dir)
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	redactor, err := sandboxRedactor(cfg)
	if err != nil {
		return err
	}
	// stdout carries the MCP stream, so logs go to stderr.
	logger := a.logger(cmd.ErrOrStderr(), cfg, redactor)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Options{Config: cfg, Version: version, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	a.watchConfig(v, cfg, logger)

	logger.Info("steward serving",
		slog.String("version", version),
		slog.String("dir", cfg.Dir),
		slog.String("store", cfg.Store.Driver),
		slog.Any("workflows", svc.Workflows()),
	)
	srv := mcp.NewStewardServer(mcp.StewardServerDeps{Service: svc, Version: version, Logger: logger})
	return srv.Serve(ctx)
}

// watchConfig applies log_level edits to settings.yaml live and warns about
// edits that need a restart.
func (a *app) watchConfig(v *viper.Viper, current *config.Config, logger *slog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := config.FromViper(v)
		if err != nil {
			logger.Warn("settings reload rejected", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}
		levelChanged, restart := config.Diff(current, next)
		if levelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(restart) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", restart))
		}
		current = next
	})
	v.WatchConfig()
}

// sandboxRedactor masks the secrets every configured sandbox redacts.
func sandboxRedactor(cfg *config.Config) (*logging.Redactor, error) {
	if cfg.Documents.Sandboxes == "" {
		return nil, nil
	}
	sandboxes, err := config.LoadSandboxes(cfg.Documents.Sandboxes)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, sb := range sandboxes {
		patterns = append(patterns, sb.Logging.RedactPatterns...)
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return logging.NewRedactor(patterns)
}
