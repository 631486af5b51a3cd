package validation

import (
	"fmt"

	"github.com/rendis/steward/pkg/schema"
)

// validateSemantic checks what the shape schema cannot express.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("%s.steps[%d]", LabelWorkflow, i)

		if first, dup := seen[step.StepID]; dup {
			result.Add(path+".step_id", fmt.Sprintf("duplicates steps[%d]", first))
		} else {
			seen[step.StepID] = i
		}

		// Approval gates suspend before the handler runs, so the action
		// still has to exist for the step to complete after approval.
		if lookup != nil && !lookup.Has(step.Action) {
			result.Add(path+".action", fmt.Sprintf("has no registered handler %q", step.Action))
		}
	}

	return result
}
