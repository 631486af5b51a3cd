package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/steward/internal/config"
)

// manifestActions answers workflow action lookups from a tool manifest.
type manifestActions map[string]bool

func (m manifestActions) Has(action string) bool { return m[action] }

func newValidateCmd(a *app) *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:       "validate <manifest|sandbox|policy|workflow> <file>",
		Short:     "Validate a governance document",
		Long:      "Loads the document the way serve does and reports the first problem. Workflows are checked against the tools of a manifest.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"manifest", "sandbox", "policy", "workflow"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, path := args[0], args[1]
			var summary string
			switch kind {
			case "manifest":
				m, err := config.LoadManifest(path)
				if err != nil {
					return err
				}
				summary = fmt.Sprintf("%d tools", len(m.Tools))
			case "sandbox":
				sbs, err := config.LoadSandboxes(path)
				if err != nil {
					return err
				}
				summary = fmt.Sprintf("%d sandboxes", len(sbs))
			case "policy":
				p, err := config.LoadPolicy(path)
				if err != nil {
					return err
				}
				summary = fmt.Sprintf("policy %s, %d levels", p.PolicyID, len(p.Levels))
			case "workflow":
				actions, err := a.actions(manifest)
				if err != nil {
					return err
				}
				def, err := config.LoadWorkflow(path, actions)
				if err != nil {
					return err
				}
				summary = fmt.Sprintf("workflow %s, %d steps", def.WorkflowID, len(def.Steps))
			default:
				return fmt.Errorf("unknown document kind %q: want manifest, sandbox, policy or workflow", kind)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", path, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "manifest whose tools workflow steps may use (default: the configured manifest)")
	return cmd
}

// actions lists the tools of the manifest at path, or of the configured
// manifest when path is empty.
func (a *app) actions(path string) (manifestActions, error) {
	if path == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Documents.Manifest
	}
	m, err := config.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	out := make(manifestActions, len(m.Tools))
	for _, tool := range m.Tools {
		out[tool.ToolID] = true
	}
	return out, nil
}
