package manager

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

const sigKILL = 9

// Stop terminates the process identified by id or name and cascades to
// processes bound to it. It returns the names of every process stopped,
// target first. signal overrides the configured kill signal when positive.
func (m *Manager) Stop(ctx context.Context, ref string, signal int) ([]string, error) {
	p, err := m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return nil, err
	}
	stopped, _, err := m.stop(ctx, p.Name, signal, true)
	return stopped, err
}

func (m *Manager) stop(ctx context.Context, name string, signal int, cascade bool) ([]string, bool, error) {
	visited := map[string]bool{}
	return m.stopVisit(ctx, name, signal, cascade, visited, true)
}

// stopVisit stops one process and, when cascade is set, recursively stops the
// processes whose binds_to names it. The visited set bounds binds_to cycles.
// Cascade failures do not undo stops already performed; they are logged and
// the remaining members are still stopped.
func (m *Manager) stopVisit(ctx context.Context, name string, signal int, cascade bool, visited map[string]bool, top bool) ([]string, bool, error) {
	if visited[name] {
		return nil, false, nil
	}
	visited[name] = true

	lock := m.lockFor(name)
	lock.Lock()

	p, err := m.st.FindByName(ctx, name)
	if err != nil {
		lock.Unlock()
		return nil, false, err
	}
	if err := p.MarkStopping(); err != nil {
		lock.Unlock()
		if errors.Is(err, process.ErrNotRunning) && !top {
			return nil, false, nil
		}
		return nil, false, err
	}
	p, err = m.st.Save(ctx, p)
	if err != nil {
		lock.Unlock()
		return nil, false, err
	}
	metrics.IncStateTransition(p.Name, string(process.StateRunning), string(process.StateStopping))

	// Resolve the signal once at the cascade root: bound processes receive
	// the same signal as the target, not their own configured one.
	resolved := p.EffectiveKillSignal(signal)
	forced, err := m.terminate(ctx, &p, resolved)
	if err != nil {
		lock.Unlock()
		return nil, forced, err
	}

	m.cancelMonitor(p.ID)
	m.finalizeStop(ctx, &p, history.EventStop, 0, "")
	lock.Unlock()

	stopped := []string{p.Name}
	if cascade {
		snap, err := store.Snapshot(ctx, m.st)
		if err != nil {
			return stopped, forced, nil
		}
		for _, b := range process.BoundProcesses(p.Name, snap) {
			dep, ok := snap[b]
			if !ok || !dep.IsRunning() {
				continue
			}
			got, _, err := m.stopVisit(ctx, b, resolved, true, visited, false)
			if err != nil {
				m.log.Warn("bound process stop failed", "process", p.Name, "bound", b, "error", err)
				continue
			}
			stopped = append(stopped, got...)
		}
	}
	return stopped, forced, nil
}

// terminate delivers the already-resolved signal and waits for the exit,
// escalating to SIGKILL against the whole process group when the stop
// timeout elapses.
func (m *Manager) terminate(ctx context.Context, p *process.Process, sig int) (bool, error) {
	// A process claimed Starting but not yet spawned has no pid; there is
	// nothing to signal and signalling pid 0 would hit our own group.
	if p.PID <= 0 {
		return false, nil
	}
	if err := m.exec.KillWithMode(p.PID, sig, p.KillMode); err != nil {
		m.log.Warn("stop signal failed", "process", p.Name, "pid", p.PID, "signal", sig, "error", err)
	}
	if m.waitExit(ctx, p, p.EffectiveStopTimeout()) {
		return false, nil
	}

	m.log.Warn("stop timeout exceeded, escalating to SIGKILL",
		"process", p.Name, "pid", p.PID, "timeout", p.EffectiveStopTimeout())
	if err := m.exec.KillWithMode(p.PID, sigKILL, process.KillModeProcessGroup); err != nil {
		m.log.Warn("forced kill failed", "process", p.Name, "pid", p.PID, "error", err)
	}
	if !m.waitExit(ctx, p, p.EffectiveStopTimeout()) {
		return true, &process.InvalidCommandError{Reason: "process did not exit after SIGKILL"}
	}
	return true, nil
}

// waitExit blocks until the current run's watcher observes the exit, or until
// d elapses. Runs without a watcher (inherited pids) fall back to polling.
func (m *Manager) waitExit(ctx context.Context, p *process.Process, d time.Duration) bool {
	rh := m.runFor(p.ID)
	if rh == nil {
		wctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		_, err := m.exec.WaitForExit(wctx, p.PID)
		return err == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rh.exited:
		return true
	case <-t.C:
		return false
	}
}

// finalizeStop persists the terminal state and runs the teardown shared by
// user stops and observed exits: pid file and runtime directory cleanup,
// ExecStopPost hooks, metrics and the history event.
func (m *Manager) finalizeStop(ctx context.Context, p *process.Process, evt history.EventType, exitCode int, detail string) {
	pid := p.PID
	saved, err := m.saveRetry(ctx, applyStopped(*p), func(fresh *process.Process) error {
		*fresh = applyStopped(*fresh)
		return nil
	})
	if err != nil {
		m.log.Warn("stop state save failed", "process", p.Name, "error", err)
	} else {
		*p = saved
	}

	removePIDFile(p.PIDFile)
	m.removeRuntimeDirs(*p)
	m.runHooks(ctx, p, "exec_stop_post", p.ExecStopPost)

	metrics.IncStop(p.Name)
	metrics.IncStateTransition(p.Name, string(process.StateStopping), string(process.StateStopped))
	m.updateRunningGauge(ctx)
	m.emit(history.Event{
		Type:       evt,
		OccurredAt: time.Now().UTC(),
		Process:    p.Name,
		PID:        pid,
		State:      string(p.State),
		ExitCode:   exitCode,
		Detail:     detail,
	})
	m.log.Info("process stopped", "process", p.Name, "pid", pid)
}

func applyStopped(p process.Process) process.Process {
	if err := p.MarkStopped(); err != nil {
		// Already terminal (the watcher raced us); keep what is recorded.
		return p
	}
	return p
}
