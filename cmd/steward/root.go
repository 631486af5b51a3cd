package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/service"
)

// errDenied makes the process exit non-zero after the decision was printed.
var errDenied = errors.New("denied")

// app carries the state shared by every subcommand.
type app struct {
	dir   string
	level slog.LevelVar
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Governed step execution for agent workflows",
		Long:          "steward runs workflows step by step under a governance policy, asking humans for approval where the policy says so and recording every decision.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.dir, "dir", config.DefaultDir(), "steward home holding settings.yaml and the governance documents")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newRunsCmd(a),
		newPolicyCmd(a),
		newValidateCmd(a),
		newHitlCmd(a),
		newLaneCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.dir)
}

// logger writes to w at the configured level. Only serve changes the level
// afterwards.
func (a *app) logger(w io.Writer, cfg *config.Config, redactor *logging.Redactor) *slog.Logger {
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	return logging.New(w, cfg.LogFormat, &a.level, redactor)
}

// openService builds a service for a one-shot command and reloads the
// persisted HITL requests. Callers close it.
func (a *app) openService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	svc, err := service.New(cmd.Context(), service.Options{
		Config:  cfg,
		Version: version,
		Logger:  a.logger(cmd.ErrOrStderr(), cfg, nil),
	})
	if err != nil {
		return nil, err
	}
	if _, err := svc.Restore(cmd.Context()); err != nil {
		_ = svc.Close(cmd.Context())
		return nil, err
	}
	return svc, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
