package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/steward/pkg/schema"
)

// Limits is the process-level rendition of an ExecutionSandbox.
type Limits struct {
	MemoryBytes  int64         `json:"memory_bytes,omitempty"`
	CPUCores     float64       `json:"cpu_cores,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	AllowNetwork bool          `json:"allow_network"`
	ReadPaths    []string      `json:"read_paths,omitempty"`
	WritePaths   []string      `json:"write_paths,omitempty"`
	DenyPaths    []string      `json:"deny_paths,omitempty"`
	// EnvAllowlist nil inherits the parent environment; non-nil keeps only
	// the named variables.
	EnvAllowlist []string `json:"env_allowlist,omitempty"`
}

// Unrestricted returns the limits applied to tools that run without a sandbox.
func Unrestricted(timeout time.Duration) Limits {
	return Limits{Timeout: timeout, AllowNetwork: true}
}

// LimitsFromSandbox translates a sandbox declaration. timeout overrides the
// sandbox's own timeout when positive. A nil sandbox is unrestricted.
func LimitsFromSandbox(sb *schema.ExecutionSandbox, timeout time.Duration) Limits {
	if sb == nil {
		return Unrestricted(timeout)
	}
	if timeout <= 0 && sb.Resources.TimeoutSeconds > 0 {
		timeout = time.Duration(sb.Resources.TimeoutSeconds) * time.Second
	}

	l := Limits{
		MemoryBytes:  int64(sb.Resources.MemoryMB) * 1024 * 1024,
		CPUCores:     sb.Resources.CPUCores,
		Timeout:      timeout,
		AllowNetwork: sb.Network.Mode != schema.NetworkDenyAll,
		EnvAllowlist: append([]string{}, sb.Environment.Allowlist...),
	}

	switch sb.Filesystem.Mode {
	case schema.FilesystemDenyAll:
		l.DenyPaths = []string{string(filepath.Separator)}
	case schema.FilesystemReadOnly:
		l.ReadPaths = append(l.ReadPaths, sb.Filesystem.ReadPaths...)
		// Writes must still be refused when no read paths narrow the scope.
		if len(l.ReadPaths) == 0 {
			l.ReadPaths = []string{string(filepath.Separator)}
		}
	case schema.FilesystemReadWrite:
		l.ReadPaths = append(l.ReadPaths, sb.Filesystem.ReadPaths...)
		l.WritePaths = append(l.WritePaths, sb.Filesystem.WritePaths...)
	}
	return l
}

// FilterEnv applies EnvAllowlist to environ ("KEY=value" entries).
func (l Limits) FilterEnv(environ []string) []string {
	if l.EnvAllowlist == nil {
		return environ
	}
	allowed := make(map[string]bool, len(l.EnvAllowlist))
	for _, k := range l.EnvAllowlist {
		allowed[k] = true
	}
	out := make([]string, 0, len(l.EnvAllowlist))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if allowed[key] {
			out = append(out, kv)
		}
	}
	return out
}

// PathAccessMode indicates the type of filesystem access being requested.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath checks whether path is permitted under these limits.
// Empty allow lists mean unrestricted access. DenyPaths always wins.
func (l Limits) ValidatePath(path string, mode PathAccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSandboxDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range l.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeSandboxDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodeSandboxDenied, "path %q is denied", path)
		}
	}

	if len(l.ReadPaths) == 0 && len(l.WritePaths) == 0 {
		return nil
	}

	if mode == PathAccessWrite {
		if len(l.WritePaths) == 0 {
			return schema.NewErrorf(schema.ErrCodeSandboxDenied, "write access to %q denied: sandbox is read-only", path)
		}
		if underAny(clean, l.WritePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeSandboxDenied, "write access to %q denied: not under any write path", path)
	}

	if underAny(clean, l.ReadPaths) || underAny(clean, l.WritePaths) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeSandboxDenied, "read access to %q denied: not under any allowed path", path)
}

// underAny skips invalid entries; an invalid allow entry cannot grant access.
func underAny(clean string, bases []string) bool {
	for _, b := range bases {
		base, err := resolveCleanPath(b)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return true
		}
	}
	return false
}

// resolveCleanPath cleans path to an absolute form, resolving symlinks on
// the longest existing prefix so paths that do not exist yet compare
// consistently.
func resolveCleanPath(path string) (string, error) {
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
	return resolveAncestor(abs), nil
}

func resolveAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
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

// isUnderPath uses filepath.Rel so /tmp does not match /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Caps describes what an isolator can enforce.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a lane command with process isolation. The caller must run
// the returned command, not the original, and always call cleanup.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// prepare applies the checks every isolator shares: context liveness, the
// working directory against the filesystem rules, and the env allowlist.
func prepare(ctx context.Context, cmd *exec.Cmd, limits Limits, environ []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Dir != "" {
		if err := limits.ValidatePath(cmd.Dir, PathAccessRead); err != nil {
			return nil, err
		}
	}
	env := cmd.Env
	if env == nil {
		env = environ
	}
	return limits.FilterEnv(env), nil
}

// clone rebuilds cmd on exec.CommandContext so cancellation kills it.
func clone(ctx context.Context, cmd *exec.Cmd, env []string) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second
	return wrapped
}
