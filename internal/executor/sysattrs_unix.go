//go:build unix && !linux

package executor

import "syscall"

// Ambient capabilities are a Linux concept; elsewhere only the process group
// attribute applies.
func sysProcAttr(_ SpawnSpec) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
