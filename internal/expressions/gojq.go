package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/steward/pkg/schema"
)

// GoJQEngine evaluates jq programs with gojq. $ENV is empty so a tool cannot
// read the host environment through a query.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate returns the single output directly, nil for no output and a
// slice when the program emits several values.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll always returns every emitted value.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	input, err := normalizeForJQ(data)
	if err != nil {
		return nil, evaluationError("jq", expression, err)
	}

	iter := code.RunWithContext(ctx, input)
	results := []any{}
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, evaluationError("jq", expression, err)
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ round-trips data through JSON; gojq rejects typed Go
// slices, structs and json.Number with "invalid type".
func normalizeForJQ(data map[string]any) (any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
