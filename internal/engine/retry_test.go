package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/steward/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		retry   *schema.StepRetry
		attempt int
		want    time.Duration
	}{
		{"no retry", nil, 1, 0},
		{"no delay", &schema.StepRetry{MaxAttempts: 3}, 1, 0},
		{"delay between attempts", &schema.StepRetry{MaxAttempts: 3, DelayMS: 25}, 1, 25 * time.Millisecond},
		{"second of three", &schema.StepRetry{MaxAttempts: 3, DelayMS: 25}, 2, 25 * time.Millisecond},
		{"last attempt", &schema.StepRetry{MaxAttempts: 3, DelayMS: 25}, 3, 0},
		{"zero max attempts", &schema.StepRetry{MaxAttempts: 0, DelayMS: 25}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &schema.WorkflowStepDefinition{StepID: "s", Retry: tt.retry}
			assert.Equal(t, tt.want, ComputeBackoff(step, tt.attempt))
		})
	}
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForBackoff_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}
