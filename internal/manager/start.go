package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

// StartOptions carries the socket-activation fd handoff into a start.
type StartOptions struct {
	SocketFiles []*os.File
	SocketNames []string
}

// Start runs the full start orchestration for the process identified by id
// or name and returns the spawned pid.
func (m *Manager) Start(ctx context.Context, ref string) (int, error) {
	return m.StartWith(ctx, ref, StartOptions{})
}

// StartWith is Start with explicit options (used by socket activation).
func (m *Manager) StartWith(ctx context.Context, ref string, opts StartOptions) (int, error) {
	p, err := m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return 0, err
	}
	visited := map[string]bool{}
	if err := m.start(ctx, p.Name, visited, opts, true); err != nil {
		return 0, err
	}
	p, err = m.st.FindByName(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	return p.PID, nil
}

// start is the recursive, cycle-safe start. The visited set is marked before
// any recursion so binds_to/requires cycles terminate. The per-name lock is
// never held across recursion or conflict stops: dependency chains reach
// names in different orders, so holding a lock while taking another would
// deadlock concurrent starts of mutually-bound processes. Instead the node
// is claimed by persisting Starting under its lock, the lock is dropped for
// the dependency phase, and re-taken for the spawn itself.
func (m *Manager) start(ctx context.Context, name string, visited map[string]bool, opts StartOptions, top bool) error {
	if visited[name] {
		return nil
	}
	visited[name] = true

	p, claimed, err := m.claimStart(ctx, name, top)
	if err != nil {
		return err
	}
	if !claimed {
		// Already up or being brought up by a peer: nothing to do.
		return nil
	}

	abort := func(cause error) error {
		fresh, err := m.st.FindByName(ctx, name)
		if err == nil && fresh.State == process.StateStarting {
			if rerr := fresh.RevertToCreated(); rerr == nil {
				_, _ = m.st.Save(ctx, fresh)
			}
		}
		return cause
	}

	// Conflicts are resolved bidirectionally before anything else starts.
	snap, err := store.Snapshot(ctx, m.st)
	if err != nil {
		return abort(err)
	}
	for _, c := range process.ConflictingProcesses(p, snap) {
		m.log.Info("stopping conflicting process", "process", p.Name, "conflict", c.Name)
		if _, _, err := m.stop(ctx, c.Name, 0, true); err != nil {
			return abort(fmt.Errorf("stop conflicting process %s: %w", c.Name, err))
		}
	}

	// Hard dependencies must come up; their failure aborts this start.
	// Already-started siblings are left running (no rollback).
	for _, dep := range p.HardDependencies() {
		if visited[dep] {
			continue
		}
		if _, ok := snap[dep]; !ok {
			return abort(&process.DependencyNotFoundError{Name: dep})
		}
		if err := m.start(ctx, dep, visited, StartOptions{}, false); err != nil {
			return abort(fmt.Errorf("start hard dependency %s: %w", dep, err))
		}
	}

	// Soft dependencies are best-effort.
	for _, dep := range p.Wants {
		if visited[dep] {
			continue
		}
		if _, ok := snap[dep]; !ok {
			m.log.Warn("soft dependency not found", "process", p.Name, "wants", dep)
			continue
		}
		if err := m.start(ctx, dep, visited, StartOptions{}, false); err != nil {
			m.log.Warn("soft dependency failed to start", "process", p.Name, "wants", dep, "error", err)
		}
	}

	// Filesystem preconditions.
	if err := checkConditions(p.ConditionPathExists); err != nil {
		return abort(&process.InvalidCommandError{Reason: err.Error()})
	}

	// Commit phase: the lock is re-taken for the spawn so stops on this name
	// stay serialized against it.
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, err = m.st.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if p.State != process.StateStarting {
		// A stop or delete intervened while dependencies were starting.
		return &process.InvalidStateTransitionError{From: p.State, To: process.StateRunning}
	}

	// Start limit: a sliding burst/interval window shared between manual and
	// supervised starts.
	now := time.Now().UTC()
	if p.StartLimitExceeded(now) {
		return abort(&process.InvalidStateTransitionError{From: process.StateStarting, To: process.StateRunning})
	}
	p.RecordStartAttempt(now)
	p, err = m.st.Save(ctx, p)
	if err != nil {
		return err
	}

	if err := m.createRuntimeDirs(p); err != nil {
		return abort(err)
	}

	pid, err := m.launch(ctx, &p, opts)
	if err != nil {
		if merr := p.MarkFailed(); merr == nil {
			if saved, serr := m.st.Save(ctx, p); serr == nil {
				p = saved
			}
		}
		metrics.IncStateTransition(p.Name, string(process.StateStarting), string(process.StateFailed))
		return err
	}

	metrics.IncStart(p.Name)
	metrics.IncStateTransition(p.Name, string(process.StateStarting), string(process.StateRunning))
	m.updateRunningGauge(ctx)
	m.emit(history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Process:    p.Name,
		PID:        pid,
		State:      string(process.StateRunning),
	})
	m.log.Info("process started", "process", p.Name, "pid", pid)
	return nil
}

// claimStart moves the process into Starting under its lock and releases the
// lock before returning. claimed is false when the node is already Starting
// or Running and this call has nothing left to do for it.
func (m *Manager) claimStart(ctx context.Context, name string, top bool) (process.Process, bool, error) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.st.FindByName(ctx, name)
	if err != nil {
		return process.Process{}, false, err
	}
	if p.State == process.StateStarting || p.State == process.StateRunning {
		if top {
			return process.Process{}, false, &process.InvalidStateTransitionError{From: p.State, To: process.StateStarting}
		}
		return process.Process{}, false, nil
	}
	from := p.State
	if err := p.MarkStarting(); err != nil {
		return process.Process{}, false, err
	}
	// Persist Starting before any recursion: this is what keeps concurrent
	// starters from re-entering the same node.
	p, err = m.st.Save(ctx, p)
	if err != nil {
		return process.Process{}, false, err
	}
	metrics.IncStateTransition(p.Name, string(from), string(process.StateStarting))
	return p, true, nil
}

// checkConditions evaluates condition_path_exists entries; a leading '!'
// negates an entry.
func checkConditions(conds []string) error {
	for _, c := range conds {
		negate := strings.HasPrefix(c, "!")
		path := strings.TrimPrefix(c, "!")
		_, err := os.Stat(path)
		exists := err == nil
		if negate && exists {
			return fmt.Errorf("condition failed: path %s exists", path)
		}
		if !negate && !exists {
			return fmt.Errorf("condition failed: path %s does not exist", path)
		}
	}
	return nil
}
