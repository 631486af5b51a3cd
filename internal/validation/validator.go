package validation

import "github.com/rendis/steward/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionLookup reports whether a step action has a registered handler.
type ActionLookup interface {
	Has(action string) bool
}
