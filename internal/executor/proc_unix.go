//go:build unix && !linux

package executor

import (
	"fmt"
	"syscall"

	"github.com/loykin/unitd/internal/process"
)

// Without procfs we cannot distinguish zombies; kill(pid, 0) has to do.
func isZombie(pid int) bool { return false }

func (o *OS) Usage(pid int) (Usage, error) {
	if syscall.Kill(pid, 0) != nil {
		return Usage{}, fmt.Errorf("pid %d not running", pid)
	}
	return Usage{}, nil
}

// Cgroups are Linux-only; limits stay bookkeeping elsewhere.
func applyLimits(_ int, _ string, _ *process.ResourceLimits) {}
