package manager

import (
	"errors"
	"time"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
)

// watch is the single consumer of one run's exit channel. It publishes the
// result to any Stop waiter before supervision runs, so the stop path never
// races the restart decision.
func (m *Manager) watch(id process.ID, name string, rh *runHandle, done <-chan executor.ExitResult) {
	defer m.wg.Done()
	res := <-done
	rh.result = res
	close(rh.exited)
	m.handleExit(id, name, rh.pid, res)
	m.unregisterRun(id, rh)
}

// handleExit classifies an observed exit and applies the restart policy.
// Whether the exit was user-initiated is read from the repository: a stop
// orchestration has already moved the process out of Running by the time it
// signals, so any exit still in Running is unexpected.
func (m *Manager) handleExit(id process.ID, name string, pid int, res executor.ExitResult) {
	ctx := m.baseCtx
	p, err := m.st.FindByID(ctx, id)
	if errors.Is(err, process.ErrNotFound) {
		return
	}
	if err != nil {
		m.log.Warn("supervision reload failed", "process", name, "error", err)
		return
	}
	if p.State != process.StateRunning || p.PID != pid {
		// User-initiated stop (or a newer run took over): nothing to supervise.
		return
	}

	success := p.IsSuccessExit(res.Code)
	evt := history.EventCrash
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	mutate := func(fresh *process.Process) error { return fresh.MarkCrashed() }
	if success {
		evt = history.EventStop
		mutate = func(fresh *process.Process) error { return fresh.MarkStopped() }
	}
	if err := mutate(&p); err != nil {
		m.log.Warn("supervision state transition failed", "process", p.Name, "error", err)
		return
	}
	p, err = m.saveRetry(ctx, p, mutate)
	if err != nil {
		m.log.Warn("supervision save failed", "process", p.Name, "error", err)
		return
	}
	m.cancelMonitor(p.ID)

	removePIDFile(p.PIDFile)
	m.removeRuntimeDirs(p)
	m.runHooks(ctx, &p, "exec_stop_post", p.ExecStopPost)
	metrics.IncStateTransition(p.Name, string(process.StateRunning), string(p.State))
	m.updateRunningGauge(ctx)
	m.emit(history.Event{
		Type:       evt,
		OccurredAt: time.Now().UTC(),
		Process:    p.Name,
		PID:        pid,
		State:      string(p.State),
		ExitCode:   res.Code,
		Detail:     detail,
	})
	if success {
		m.log.Info("process exited", "process", p.Name, "pid", pid, "code", res.Code)
	} else {
		m.log.Warn("process crashed", "process", p.Name, "pid", pid, "code", res.Code, "error", res.Err)
	}

	policy, perr := process.ParseRestartPolicy(string(p.RestartPolicy))
	if perr != nil || !policy.ShouldRestart(success) {
		return
	}
	m.scheduleRestart(p)
}

// scheduleRestart sleeps out the exponential backoff and re-runs the start
// orchestration. The start limit converts a flapping process into Failed
// instead of looping forever.
func (m *Manager) scheduleRestart(p process.Process) {
	delay := process.RestartDelay(p.RestartSec, p.RestartMaxDelaySec, p.ConsecutiveFailures)
	m.log.Info("scheduling restart", "process", p.Name, "delay", delay, "failures", p.ConsecutiveFailures)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-m.baseCtx.Done():
		return
	case <-t.C:
	}

	ctx := m.baseCtx
	fresh, err := m.st.FindByID(ctx, p.ID)
	if err != nil {
		return
	}
	if !fresh.State.CanStart() {
		// A manual start or delete intervened during the backoff.
		return
	}
	if fresh.StartLimitExceeded(time.Now().UTC()) {
		m.log.Warn("start limit exceeded, giving up on restarts",
			"process", fresh.Name, "burst", fresh.StartLimitBurst)
		if merr := fresh.MarkFailed(); merr == nil {
			if _, serr := m.saveRetry(ctx, fresh, func(f *process.Process) error { return f.MarkFailed() }); serr != nil {
				m.log.Warn("failed-state save failed", "process", fresh.Name, "error", serr)
			}
			metrics.IncStateTransition(fresh.Name, string(p.State), string(process.StateFailed))
		}
		return
	}

	visited := map[string]bool{}
	if err := m.start(ctx, fresh.Name, visited, StartOptions{}, false); err != nil {
		m.log.Warn("automatic restart failed", "process", fresh.Name, "error", err)
		return
	}
	metrics.IncRestart(fresh.Name)
	m.emit(history.Event{
		Type:       history.EventRestart,
		OccurredAt: time.Now().UTC(),
		Process:    fresh.Name,
		State:      string(process.StateRunning),
	})
}
