//go:build unix

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/loykin/unitd/internal/process"
)

// OS is the production Executor backed by os/exec. Children are placed in
// their own process group so KillModeProcessGroup can signal the whole tree.
type OS struct{}

func NewOS() *OS { return &OS{} }

func (o *OS) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	cmd := buildCommand(spec.Command, spec.Args)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := append([]string(nil), spec.Env...)
	if len(spec.SocketFiles) > 0 {
		cmd.ExtraFiles = spec.SocketFiles
		env = append(env, fmt.Sprintf("%s=%d", ListenFDsEnv, len(spec.SocketFiles)))
		if len(spec.SocketNames) > 0 {
			env = append(env, ListenFDNamesEnv+"="+strings.Join(spec.SocketNames, ":"))
		}
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.SysProcAttr = sysProcAttr(spec)

	outW, errW := logWriters(spec)
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		return Handle{}, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	writePIDFile(spec.PIDFile, pid)
	applyLimits(pid, spec.Name, spec.Limits)

	done := make(chan ExitResult, 1)
	go func() {
		err := cmd.Wait()
		closeWriters(outW, errW)
		done <- exitResult(err)
	}()

	// ctx cancellation only guards the spawn itself; the child is owned by
	// the caller once the handle is returned.
	if ctx.Err() != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return Handle{}, ctx.Err()
	}
	return Handle{PID: pid, Done: done}, nil
}

func (o *OS) Kill(pid int, sig int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	return syscall.Kill(pid, syscall.Signal(sig))
}

func (o *OS) KillWithMode(pid int, sig int, mode process.KillMode) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if mode == process.KillModeProcessGroup {
		return syscall.Kill(-pid, syscall.Signal(sig))
	}
	return syscall.Kill(pid, syscall.Signal(sig))
}

func (o *OS) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// WaitForExit polls for processes we did not spawn ourselves (no wait handle,
// e.g. after a daemon restart).
func (o *OS) WaitForExit(ctx context.Context, pid int) (int, error) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if !o.IsRunning(pid) {
			// Exit status is unavailable without having reaped the child.
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

// RunCommand executes a hook command line through the shell and waits for it
// under ctx.
func (o *OS) RunCommand(ctx context.Context, command string, env []string, workDir string) error {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd.Run()
}

func exitResult(err error) ExitResult {
	if err == nil {
		return ExitResult{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ExitResult{Code: ee.ExitCode(), Err: err}
	}
	return ExitResult{Code: -1, Err: err}
}

// buildCommand splits a command line the way the shell would only when it has
// to: explicit args skip the shell entirely, metacharacters delegate to
// /bin/sh -c.
func buildCommand(command string, args []string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if len(args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, args...)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return exec.Command("/bin/true")
	}
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

func logWriters(spec SpawnSpec) (io.WriteCloser, io.WriteCloser) {
	if spec.Log.Dir == "" {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		return null, null
	}
	_ = os.MkdirAll(spec.Log.Dir, 0o750)
	mk := func(stream string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(spec.Log.Dir, fmt.Sprintf("%s.%s.log", spec.Name, stream)),
			MaxSize:    valOr(spec.Log.MaxSizeMB, 10),
			MaxBackups: valOr(spec.Log.MaxBackups, 3),
			MaxAge:     valOr(spec.Log.MaxAgeDays, 7),
			Compress:   spec.Log.Compress,
		}
	}
	return mk("stdout"), mk("stderr")
}

func closeWriters(ws ...io.WriteCloser) {
	seen := map[io.WriteCloser]bool{}
	for _, w := range ws {
		if w == nil || seen[w] {
			continue
		}
		seen[w] = true
		_ = w.Close()
	}
}

func writePIDFile(path string, pid int) {
	if path == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	_ = os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
