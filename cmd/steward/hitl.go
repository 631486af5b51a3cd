package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/pkg/schema"
)

func newHitlCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hitl",
		Short: "Review human-in-the-loop requests",
	}
	cmd.AddCommand(newHitlListCmd(a), newHitlDecideCmd(a), newHitlSweepCmd(a))
	return cmd
}

func newHitlListCmd(a *app) *cobra.Command {
	var (
		filter string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review requests",
		Example: `  steward hitl list --filter 'status == "pending" && kind == "approval"'
  steward hitl list --filter 'run_id == "run-42"' --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			reqs, err := svc.ListQueue(filter)
			if err != nil {
				return err
			}
			if asJSON {
				if reqs == nil {
					reqs = []*schema.HitlRequest{}
				}
				return writeJSON(cmd.OutOrStdout(), reqs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REQUEST ID\tKIND\tSTATUS\tRUN\tSTEP\tREQUESTED\tSUMMARY")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RequestID, r.Kind, r.Status, r.RunID, r.StepID, r.RequestedAt.Format(time.RFC3339), r.Summary)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression over request fields (default: hitl.filter setting)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON requests")
	return cmd
}

func newHitlDecideCmd(a *app) *cobra.Command {
	var (
		sig    schema.ReviewSignal
		verb   string
		inputs string
	)
	cmd := &cobra.Command{
		Use:   "decide <request-id>",
		Short: "Decide a review request and resume its run",
		Long: `Applies a reviewer decision and resumes the run in this process.
Step inputs live with the process that started the run, so pass --inputs
when the remaining steps need them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig.RequestID = args[0]
			sig.Verb = schema.Verb(verb)

			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			if inputs != "" {
				req, ok := svc.Queue().Get(sig.RequestID)
				if !ok {
					return schema.NewErrorf(schema.ErrCodeNotFound, "hitl request %s not found", sig.RequestID)
				}
				stepInputs, err := loadStepInputs(inputs)
				if err != nil {
					return err
				}
				svc.SetRunInputs(req.RunID, stepInputs)
			}

			res, err := svc.Decide(cmd.Context(), sig)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&verb, "verb", "", "approve, reject, escalate, deny or request-mitigation")
	cmd.Flags().StringVar(&sig.Reviewer, "reviewer", "", "identity of the reviewer")
	cmd.Flags().StringVar(&sig.Reason, "reason", "", "reviewer's reasoning")
	cmd.Flags().StringVar(&inputs, "inputs", "", "YAML or JSON file of step inputs keyed by step id")
	_ = cmd.MarkFlagRequired("verb")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newHitlSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			n, err := svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d requests\n", n)
			return nil
		},
	}
}

// loadStepInputs reads a document mapping step ids to tool inputs.
func loadStepInputs(path string) (map[string]map[string]any, error) {
	doc, err := config.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: step inputs must be a mapping", path)
	}
	out := make(map[string]map[string]any, len(raw))
	for stepID, v := range raw {
		input, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: inputs of step %s must be a mapping", path, stepID)
		}
		out[stepID] = input
	}
	return out, nil
}
