package isolation

import (
	"context"
	"os"
	"os/exec"
	"sync"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator enforces the timeout, the working directory rules and the
// environment allowlist. Memory, CPU and network limits are not enforced.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	env, err := prepare(ctx, cmd, limits, os.Environ())
	if err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	var once sync.Once
	return clone(execCtx, cmd, env), func() { once.Do(cancel) }, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
