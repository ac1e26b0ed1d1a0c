package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// killGrace is how long a wrapped process gets to drain pipes after Kill.
const killGrace = 5 * time.Second

// ResourceLimits constrains an isolated process and the filesystem surface
// a sandboxed step may touch.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
	ReadOnlyPaths  []string      `json:"read_only_paths,omitempty"`
	WritablePaths  []string      `json:"writable_paths,omitempty"`
	DenyPaths      []string      `json:"deny_paths,omitempty"`
}

// PathAccessMode is the kind of filesystem access being requested.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath reports whether path is permitted under these limits.
// Empty allow lists mean unrestricted access. DenyPaths always wins,
// and an unparseable deny rule denies access rather than ignoring it.
func (r ResourceLimits) ValidatePath(path string, mode PathAccessMode) error {
	clean, err := canonicalPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range r.DenyPaths {
		base, err := canonicalPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: unusable deny rule %q: %v", path, deny, err)
		}
		if underBase(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(r.ReadOnlyPaths) == 0 && len(r.WritablePaths) == 0 {
		return nil
	}

	switch mode {
	case PathAccessWrite:
		if len(r.WritablePaths) == 0 {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"write to %q denied: no writable paths configured", path)
		}
		if matchesAny(clean, r.WritablePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodePathDenied,
			"write to %q denied: outside writable paths", path)

	case PathAccessRead:
		// Writable implies readable.
		if matchesAny(clean, r.ReadOnlyPaths) || matchesAny(clean, r.WritablePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodePathDenied,
			"read from %q denied: outside allowed paths", path)
	}

	return nil
}

// matchesAny reports whether clean sits under any of the allow-list bases.
// Unparseable allow entries are skipped: they cannot grant access, and the
// path must still match a valid entry to pass.
func matchesAny(clean string, bases []string) bool {
	for _, b := range bases {
		base, err := canonicalPath(b)
		if err != nil {
			continue
		}
		if underBase(clean, base) {
			return true
		}
	}
	return false
}

// canonicalPath cleans a path, makes it absolute, and resolves symlinks on
// the longest existing prefix so that not-yet-created files still resolve
// consistently.
func canonicalPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	return nearestResolvedAncestor(abs), nil
}

// nearestResolvedAncestor walks up from path to the closest existing
// directory, resolves its symlinks, and re-appends the unresolved suffix.
func nearestResolvedAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// underBase reports whether path equals base or lives under it.
// filepath.Rel avoids prefix false positives such as /tmp vs /tmpevil.
func underBase(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// IsolatorCaps describes what a platform isolator can actually enforce.
type IsolatorCaps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolateFS    bool `json:"can_isolate_fs"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a command with platform-specific process isolation.
// The concrete implementation is chosen at startup: cgroups v2 on capable
// Linux hosts, a timeout-only fallback everywhere else.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// cloneCommand rebinds cmd onto exec.CommandContext so cancellation is
// honored, preserving argv, dir, env, and stdio. Callers must run the
// returned command, not the original.
func cloneCommand(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = killGrace
	return wrapped
}
