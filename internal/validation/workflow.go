package validation

import "github.com/rendis/steward/pkg/schema"

// WorkflowValidator runs the two-stage workflow check:
// 1. Structural (embedded shape schema)
// 2. Semantic (unique step ids, registered actions, HITL consistency)
type WorkflowValidator struct {
	actions ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) *WorkflowValidator {
	return &WorkflowValidator{actions: lookup}
}

// Validate runs both stages and returns an aggregated result.
// Structural issues short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.Add(LabelWorkflow, "is required")
		return r
	}

	result := ValidateWorkflowShape(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError("Workflow definition")
}
