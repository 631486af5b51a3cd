//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupPeriod   = 100000 // microseconds
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*CgroupIsolator)(nil)

// CgroupIsolator runs each lane invocation in its own cgroup v2 leaf with
// memory and CPU limits from the sandbox, plus PID and network namespaces.
type CgroupIsolator struct {
	base string
	caps Caps
}

// NewCgroupIsolator prepares <cgroupRoot>/<slice>. It fails when cgroups v2
// is unavailable or the hierarchy is not writable.
func NewCgroupIsolator(slice string) (*CgroupIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, slice)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, controllers); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}

	return &CgroupIsolator{
		base: base,
		caps: Caps{
			CanLimitMemory:  controllers["memory"],
			CanLimitCPU:     controllers["cpu"],
			CanLimitNetwork: true,
			CanIsolatePID:   controllers["pids"],
		},
	}, nil
}

func (c *CgroupIsolator) Capabilities() Caps {
	return c.caps
}

func (c *CgroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	env, err := prepare(ctx, cmd, limits, os.Environ())
	if err != nil {
		return nil, nil, err
	}

	leaf := filepath.Join(c.base, uuid.NewString())
	if err := os.Mkdir(leaf, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", leaf, err)
	}
	if err := c.writeLimits(leaf, limits); err != nil {
		removeCgroup(leaf)
		return nil, nil, err
	}
	fd, err := syscall.Open(leaf, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		removeCgroup(leaf)
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := clone(execCtx, cmd, env)
	var flags uintptr
	if c.caps.CanIsolatePID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    fd,
		Cloneflags:  flags,
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = syscall.Close(fd)
			cancel()
			removeCgroup(leaf)
		})
	}
	return wrapped, cleanup, nil
}

func (c *CgroupIsolator) writeLimits(leaf string, limits Limits) error {
	if limits.MemoryBytes > 0 && c.caps.CanLimitMemory {
		if err := writeControl(leaf, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// Not every kernel exposes swap accounting.
		_ = writeControl(leaf, "memory.swap.max", "0")
	}
	if limits.CPUCores > 0 && c.caps.CanLimitCPU {
		if err := writeControl(leaf, "cpu.max", formatCPUMax(limits.CPUCores)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(leaf, file, value string) error {
	return os.WriteFile(filepath.Join(leaf, file), []byte(value), 0o644)
}

// formatCPUMax renders a core count as cpu.max "QUOTA PERIOD".
func formatCPUMax(cores float64) string {
	if cores <= 0 || math.IsInf(cores, 0) || math.IsNaN(cores) {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	quota := int64(math.Ceil(cores * cgroupPeriod))
	if quota < 1000 {
		quota = 1000
	}
	return fmt.Sprintf("%d %d", quota, cgroupPeriod)
}

func removeCgroup(leaf string) {
	if err := os.WriteFile(filepath.Join(leaf, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		killCgroupProcesses(leaf)
	}
	for range cleanupRetries {
		if err := os.Remove(leaf); err == nil {
			return
		}
		time.Sleep(cleanupDelay)
	}
	slog.Warn("isolation: cgroup not removed", "path", leaf)
}

// killCgroupProcesses is used on kernels without cgroup.kill.
func killCgroupProcesses(leaf string) {
	f, err := os.Open(filepath.Join(leaf, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Warn("isolation: kill failed", "pid", pid, "error", err)
		}
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}

func enableControllers(base string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return writeControl(base, "cgroup.subtree_control", strings.Join(enable, " "))
}
