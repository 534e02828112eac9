//go:build linux

package executor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/unitd/internal/process"
)

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Usage samples CPU time, resident memory and thread count from /proc.
func (o *OS) Usage(pid int) (Usage, error) {
	statB, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Usage{}, fmt.Errorf("read stat for pid %d: %w", pid, err)
	}
	// comm can contain spaces; fields are positional after the closing paren.
	raw := string(statB)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 > len(raw) {
		return Usage{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[idx+2:])
	// fields[11]=utime, fields[12]=stime, fields[17]=num_threads
	// (relative to the field after comm/state offsetting).
	if len(fields) < 18 {
		return Usage{}, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, _ := strconv.ParseInt(fields[11], 10, 64)
	stime, _ := strconv.ParseInt(fields[12], 10, 64)
	threads, _ := strconv.ParseInt(fields[17], 10, 64)
	const userHz = 100
	u := Usage{
		CPUMillis: (utime + stime) * 1000 / userHz,
		NumPIDs:   threads,
	}

	statmB, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err == nil {
		parts := strings.Fields(string(statmB))
		if len(parts) >= 2 {
			rssPages, _ := strconv.ParseInt(parts[1], 10, 64)
			u.MemoryBytes = rssPages * int64(os.Getpagesize())
		}
	}
	return u, nil
}

// applyLimits attaches the child to a dedicated cgroup v2 leaf and writes the
// configured limits. Everything is best-effort: unprivileged runs log and
// continue, the limits stay bookkeeping.
func applyLimits(pid int, name string, limits *process.ResourceLimits) {
	if limits == nil {
		return
	}
	root := os.Getenv("UNITD_CGROUP_ROOT")
	if root == "" {
		root = "/sys/fs/cgroup/unitd"
	}
	dir := root + "/" + name
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Debug("cgroup unavailable, limits are bookkeeping only", "process", name, "error", err)
		return
	}
	write := func(file, val string) {
		if err := os.WriteFile(dir+"/"+file, []byte(val), 0o644); err != nil {
			slog.Debug("cgroup write failed", "process", name, "file", file, "error", err)
		}
	}
	if limits.MemoryBytes > 0 {
		write("memory.max", strconv.FormatInt(limits.MemoryBytes, 10))
	}
	if limits.MaxPIDs > 0 {
		write("pids.max", strconv.FormatInt(limits.MaxPIDs, 10))
	}
	if limits.CPUMillis > 0 {
		// cpu.max takes "<quota> <period>"; quota in usec per 100ms period.
		write("cpu.max", fmt.Sprintf("%d 100000", limits.CPUMillis*100))
	}
	write("cgroup.procs", strconv.Itoa(pid))
}
