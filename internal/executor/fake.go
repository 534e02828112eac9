package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/loykin/unitd/internal/process"
)

// Fake is the scripted in-memory Executor used by orchestrator and monitor
// tests. Spawned "processes" stay alive until a kill or an explicit
// TriggerExit.
type Fake struct {
	mu      sync.Mutex
	nextPID int
	// running pid → exit channel
	procs map[int]chan ExitResult

	SpawnErr   error         // returned by Spawn when set
	KillErr    error         // returned by Kill/KillWithMode when set
	KillErrFor map[int]error // per-pid kill errors, checked after KillErr
	HookErr    error         // returned by RunCommand when set
	IgnoreKill int           // number of kill calls to record without terminating
	SpawnCount int
	KillCalls  []KillCall
	Spawned    []SpawnSpec
	Pids       []int
	Commands   []string
}

// KillCall records one Kill/KillWithMode invocation.
type KillCall struct {
	PID    int
	Signal int
	Mode   process.KillMode
}

func NewFake() *Fake {
	return &Fake{nextPID: 1000, procs: make(map[int]chan ExitResult)}
}

func (f *Fake) Spawn(_ context.Context, spec SpawnSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return Handle{}, f.SpawnErr
	}
	f.nextPID++
	f.SpawnCount++
	f.Spawned = append(f.Spawned, spec)
	done := make(chan ExitResult, 1)
	f.procs[f.nextPID] = done
	f.Pids = append(f.Pids, f.nextPID)
	return Handle{PID: f.nextPID, Done: done}, nil
}

// LastPID returns the most recently spawned pid.
func (f *Fake) LastPID() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Pids) == 0 {
		return 0, false
	}
	return f.Pids[len(f.Pids)-1], true
}

func (f *Fake) Kill(pid int, sig int) error {
	return f.KillWithMode(pid, sig, process.KillModeProcess)
}

func (f *Fake) KillWithMode(pid int, sig int, mode process.KillMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KillCalls = append(f.KillCalls, KillCall{PID: pid, Signal: sig, Mode: mode})
	if f.KillErr != nil {
		return f.KillErr
	}
	if err, ok := f.KillErrFor[pid]; ok {
		return err
	}
	if f.IgnoreKill > 0 {
		f.IgnoreKill--
		return nil
	}
	if done, ok := f.procs[pid]; ok {
		delete(f.procs, pid)
		done <- ExitResult{Code: 128 + sig, Err: fmt.Errorf("signal %d", sig)}
	}
	return nil
}

func (f *Fake) IsRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

func (f *Fake) WaitForExit(ctx context.Context, pid int) (int, error) {
	f.mu.Lock()
	done, ok := f.procs[pid]
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}
	select {
	case res := <-done:
		return res.Code, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *Fake) Usage(pid int) (Usage, error) {
	if !f.IsRunning(pid) {
		return Usage{}, fmt.Errorf("pid %d not running", pid)
	}
	return Usage{CPUMillis: 10, MemoryBytes: 1 << 20, NumPIDs: 1}, nil
}

func (f *Fake) RunCommand(_ context.Context, command string, _ []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, command)
	return f.HookErr
}

// TriggerExit simulates the process terminating on its own with the given
// exit code.
func (f *Fake) TriggerExit(pid int, code int) {
	f.mu.Lock()
	done, ok := f.procs[pid]
	delete(f.procs, pid)
	f.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if code != 0 {
		err = fmt.Errorf("exit status %d", code)
	}
	done <- ExitResult{Code: code, Err: err}
}

// LastKill returns the most recent kill call, if any.
func (f *Fake) LastKill() (KillCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.KillCalls) == 0 {
		return KillCall{}, false
	}
	return f.KillCalls[len(f.KillCalls)-1], true
}
