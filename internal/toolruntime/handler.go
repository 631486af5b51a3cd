package toolruntime

import (
	"context"

	"github.com/rendis/steward/pkg/schema"
)

// HandlerContext is what a handler learns about the invocation besides its
// input. Sandbox is nil for safe tools.
type HandlerContext struct {
	Tool           *schema.ToolDefinition
	Manifest       *schema.ToolManifest
	Sandbox        *schema.ExecutionSandbox
	TimeoutSeconds int
	Request        schema.ToolInvocationRequest
}

// HandlerResult is a handler's answer. A failure is reported through Status
// and Error; a returned Go error or a panic is treated as unexpected.
type HandlerResult struct {
	Status schema.OutcomeStatus
	Output map[string]any
	Error  *schema.ToolInvocationError
}

// Success builds a success result.
func Success(output map[string]any) HandlerResult {
	return HandlerResult{Status: schema.OutcomeSuccess, Output: output}
}

// Failure builds a failure result with an empty output.
func Failure(code, message string) HandlerResult {
	return HandlerResult{
		Status: schema.OutcomeFailure,
		Output: map[string]any{},
		Error:  &schema.ToolInvocationError{Code: code, Message: message},
	}
}

// Handler executes one tool.
type Handler interface {
	Invoke(ctx context.Context, input map[string]any, hc HandlerContext) (HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input map[string]any, hc HandlerContext) (HandlerResult, error)

func (f HandlerFunc) Invoke(ctx context.Context, input map[string]any, hc HandlerContext) (HandlerResult, error) {
	return f(ctx, input, hc)
}
