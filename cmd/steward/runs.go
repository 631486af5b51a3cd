package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and export stored runs",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a), newRunsExportCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			runs, err := svc.ListRuns(cmd.Context(), schema.RunStatus(status), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSTATUS\tACTOR\tSTARTED\tPURPOSE")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Status, r.Actor, r.Timestamp.Format(time.RFC3339), r.Purpose)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (success, failure, partial)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs; 0 lists all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON summaries")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its trace and review requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			status, err := svc.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newRunsExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every run as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(cmd.Context())

			if out == "" || out == "-" {
				_, err := store.ExportRunsJSONL(cmd.Context(), svc.Runs(), cmd.OutOrStdout())
				return err
			}
			n, err := store.ExportRunsFile(cmd.Context(), svc.Runs(), out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d runs to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}
