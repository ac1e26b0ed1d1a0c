//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator. Off Linux there
// is no kernel isolation, so only timeouts are enforced.
func NewIsolator() (Isolator, error) {
	slog.Warn("isolation: no kernel isolation on this platform, using fallback (timeout only)")
	return NewFallbackIsolator(), nil
}
