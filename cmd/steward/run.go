package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/service"
	"github.com/rendis/steward/pkg/schema"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		req    service.RunRequest
		level  string
		inputs string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Start or continue a workflow run",
		Long: `Walks the workflow until it finishes or waits on a human decision and
prints where it stopped. Pass --run-id to continue an existing run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkflowID = args[0]
			req.Level = schema.GovernanceLevel(level)
			if inputs != "" {
				stepInputs, err := loadStepInputs(inputs)
				if err != nil {
					return err
				}
				req.Inputs = stepInputs
			}

			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			res, err := svc.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run to continue (default: a new run)")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "identity starting the run")
	cmd.Flags().StringVar(&req.Role, "role", "", "policy role of the actor (default: agent)")
	cmd.Flags().StringVar(&req.Purpose, "purpose", "", "why the run is happening")
	cmd.Flags().StringVar(&level, "level", "", "pin every step to one governance level")
	cmd.Flags().StringVar(&inputs, "inputs", "", "YAML or JSON file of step inputs keyed by step id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
