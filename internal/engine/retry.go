package engine

import (
	"context"
	"time"

	"github.com/rendis/steward/pkg/schema"
)

// ComputeBackoff returns the pause before the attempt after `attempt`, or
// zero when no attempt remains or the step declares no delay.
func ComputeBackoff(step *schema.WorkflowStepDefinition, attempt int) time.Duration {
	if attempt >= step.MaxAttempts() {
		return 0
	}
	return step.RetryDelay()
}

// WaitForBackoff sleeps for delay or returns early if the context is
// cancelled. Returns the context error if the wait was cut short.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
