//go:build linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator. On Linux it
// prefers cgroups v2 and degrades to the timeout-only fallback when the
// hierarchy is unavailable (unprivileged containers, cgroups v1 hosts).
func NewIsolator() (Isolator, error) {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using fallback (timeout only)", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
