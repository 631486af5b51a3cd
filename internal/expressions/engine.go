package expressions

import (
	"context"

	"github.com/rendis/steward/pkg/schema"
)

// Engine evaluates a transformation expression against a JSON-like object.
// Implementations cache compiled expressions and are safe for concurrent use.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ForLanguage returns a fresh engine for "jq" or "expr".
func ForLanguage(name string) (Engine, error) {
	switch name {
	case "jq":
		return NewGoJQEngine(), nil
	case "expr":
		return NewExprEngine(), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", name)
}

func evaluationError(engine, expression string, err error) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeEvaluation,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func compileError(engine, expression string, err error) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
