//go:build linux

package executor

import "syscall"

func sysProcAttr(spec SpawnSpec) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if len(spec.AmbientCaps) > 0 {
		caps := make([]uintptr, 0, len(spec.AmbientCaps))
		for _, c := range spec.AmbientCaps {
			if c >= 0 {
				caps = append(caps, uintptr(c))
			}
		}
		attr.AmbientCaps = caps
	}
	return attr
}
