//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a CgroupIsolator rooted at slice when cgroups v2 is
// usable, otherwise a FallbackIsolator. An empty slice disables cgroups.
func NewIsolator(slice string) (Isolator, error) {
	if slice == "" {
		return NewFallbackIsolator(), nil
	}
	iso, err := NewCgroupIsolator(slice)
	if err != nil {
		slog.Warn("isolation: cgroups unavailable, using fallback", "slice", slice, "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
