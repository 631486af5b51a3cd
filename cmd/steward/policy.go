package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/internal/policy"
	"github.com/rendis/steward/internal/service"
	"github.com/rendis/steward/pkg/schema"
)

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with governance policies",
	}
	cmd.AddCommand(newPolicyCheckCmd(a))
	return cmd
}

func newPolicyCheckCmd(a *app) *cobra.Command {
	var (
		path  string
		req   schema.PolicyEnforcementRequest
		level string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one action against a policy without auditing it",
		Long:  "Prints the policy decision as JSON and exits non-zero when the action is denied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Documents.Policy
			}
			pol, err := config.LoadPolicy(path)
			if err != nil {
				return err
			}
			req.Policy = pol
			req.Level = schema.GovernanceLevel(level)

			decision := policy.Evaluate(req, time.Now().UTC())
			if err := writeJSON(cmd.OutOrStdout(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return errDenied
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "policy", "", "policy document (default: the configured policy)")
	cmd.Flags().StringVar(&level, "level", "", "governance level, e.g. A1")
	cmd.Flags().StringVar(&req.Action, "action", "", "action to evaluate")
	cmd.Flags().StringVar(&req.Actor, "actor", "cli", "identity requesting the action")
	cmd.Flags().StringVar(&req.Role, "role", service.DefaultRole, "policy role of the actor")
	cmd.Flags().StringVar(&req.Resource, "resource", "", "resource the action targets")
	_ = cmd.MarkFlagRequired("level")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
