//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns a FallbackIsolator; kernel isolation is Linux only.
func NewIsolator(slice string) (Isolator, error) {
	if slice != "" {
		slog.Warn("isolation: no kernel isolation on this platform, using fallback", "slice", slice)
	}
	return NewFallbackIsolator(), nil
}
