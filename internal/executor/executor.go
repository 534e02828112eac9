package executor

import (
	"context"
	"os"

	"github.com/loykin/unitd/internal/process"
)

// Environment variable names for the socket activation fd handoff. Inherited
// descriptors start at fd 3 in the child, in the order of SocketFiles.
const (
	ListenFDsEnv     = "LISTEN_FDS"
	ListenFDNamesEnv = "LISTEN_FDNAMES"
)

// ExitResult is what a spawned process terminated with. Err is non-nil for
// abnormal termination (signals, wait errors); Code is the exit status when
// one exists, otherwise -1.
type ExitResult struct {
	Code int
	Err  error
}

// Handle identifies a spawned process. Done is closed-by-send exactly once
// when the child is reaped.
type Handle struct {
	PID  int
	Done <-chan ExitResult
}

// LogConfig configures rotation of the child's stdout/stderr capture.
type LogConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SpawnSpec is everything the executor needs to start one child process.
type SpawnSpec struct {
	Name        string
	Command     string
	Args        []string
	Env         []string
	WorkDir     string
	PIDFile     string
	Log         LogConfig
	SocketFiles []*os.File
	SocketNames []string
	Limits      *process.ResourceLimits
	AmbientCaps []int
}

// Usage is a point-in-time resource sample for a running process.
type Usage struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
	NumPIDs     int64 `json:"num_pids"`
}

// Executor is the OS-effects port: spawning, signalling and observing child
// processes. The core never touches os/exec directly.
type Executor interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
	Kill(pid int, sig int) error
	KillWithMode(pid int, sig int, mode process.KillMode) error
	IsRunning(pid int) bool
	WaitForExit(ctx context.Context, pid int) (int, error)
	Usage(pid int) (Usage, error)
	// RunCommand executes a hook command line and waits for it, bounded by
	// ctx.
	RunCommand(ctx context.Context, command string, env []string, workDir string) error
}
