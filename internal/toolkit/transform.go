package toolkit

import (
	"context"
	"errors"

	"github.com/rendis/steward/internal/expressions"
	"github.com/rendis/steward/internal/toolruntime"
	"github.com/rendis/steward/pkg/schema"
)

// Failure codes reported by the transform tools.
const (
	CodeInvalidExpression = "invalid_expression"
	CodeEvaluationFailed  = "evaluation_failed"
)

// Built-in tool ids.
const (
	ToolJQ   = "steward.jq"
	ToolExpr = "steward.expr"
)

// TransformHandler evaluates {"expression", "data"} with an expression engine
// and answers {"result"}.
type TransformHandler struct {
	engine expressions.Engine
}

// NewTransformHandler wraps engine as a tool handler.
func NewTransformHandler(engine expressions.Engine) *TransformHandler {
	return &TransformHandler{engine: engine}
}

// JQHandler evaluates jq programs.
func JQHandler() *TransformHandler {
	return NewTransformHandler(expressions.NewGoJQEngine())
}

// ExprHandler evaluates expr-lang expressions.
func ExprHandler() *TransformHandler {
	return NewTransformHandler(expressions.NewExprEngine())
}

func (h *TransformHandler) Invoke(ctx context.Context, input map[string]any, _ toolruntime.HandlerContext) (toolruntime.HandlerResult, error) {
	expression, _ := input["expression"].(string)
	data, _ := input["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	result, err := h.engine.Evaluate(ctx, expression, data)
	if err != nil {
		if ctx.Err() != nil {
			return toolruntime.HandlerResult{}, err
		}
		code := CodeEvaluationFailed
		var se *schema.StewardError
		if errors.As(err, &se) && se.Code == schema.ErrCodeValidation {
			code = CodeInvalidExpression
		}
		return toolruntime.Failure(code, err.Error()), nil
	}
	return toolruntime.Success(map[string]any{"result": result}), nil
}

// transformContract is shared by both transform tools.
func transformContract() schema.ToolContract {
	return schema.ToolContract{
		RequestSchema: map[string]any{
			"type":     "object",
			"required": []any{"expression"},
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "minLength": 1},
				"data":       map[string]any{"type": "object"},
			},
		},
		ResponseSchema: map[string]any{"type": "object"},
		ErrorSchema: map[string]any{
			"type":     "object",
			"required": []any{"code", "message"},
			"properties": map[string]any{
				"code":    map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			},
		},
	}
}

// Definitions returns the manifest entries for the built-in tools. Both are
// inline and A0, so they run without a sandbox.
func Definitions() []schema.ToolDefinition {
	gov := schema.ToolGovernance{Level: schema.LevelA0, RequiresRunLogging: true}
	return []schema.ToolDefinition{
		{
			ToolID:        ToolJQ,
			Name:          "jq transform",
			Description:   "Apply a jq program to a JSON object.",
			Version:       "1.0.0",
			ExecutionLane: schema.LaneInline,
			Contract:      transformContract(),
			Governance:    gov,
			Constraints:   &schema.ToolConstraints{TimeoutSeconds: 5},
		},
		{
			ToolID:        ToolExpr,
			Name:          "expr evaluate",
			Description:   "Evaluate an expr-lang expression against a JSON object.",
			Version:       "1.0.0",
			ExecutionLane: schema.LaneInline,
			Contract:      transformContract(),
			Governance:    gov,
			Constraints:   &schema.ToolConstraints{TimeoutSeconds: 5},
		},
	}
}

// Handlers returns the handlers keyed by the ids in Definitions.
func Handlers() map[string]toolruntime.Handler {
	return map[string]toolruntime.Handler{
		ToolJQ:   JQHandler(),
		ToolExpr: ExprHandler(),
	}
}
