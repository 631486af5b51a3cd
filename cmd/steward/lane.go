package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/toolkit"
)

func newLaneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "lane",
		Short:  "Built-in subprocess lanes",
		Hidden: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "echo",
		Short: "Serve one lane request on stdin, echoing its input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toolkit.ServeLane(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), toolkit.EchoLane)
		},
	})
	return cmd
}
