package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

// Monitor runs one background probing loop per health-checked process. A
// loop instance lives for one run of the process: it self-terminates when
// the process disappears, its health check is removed, or an
// unhealthy-triggered kill fires; a fresh loop is spawned on the next start.
// The context is the explicit cancel handle held by the manager.
type Monitor struct {
	st      store.Store
	checker Checker
	exec    executor.Executor
	log     *slog.Logger
}

func NewMonitor(st store.Store, checker Checker, exec executor.Executor, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{st: st, checker: checker, exec: exec, log: log}
}

// Run drives the probing loop for the given process until cancellation or a
// terminal loop condition. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context, id process.ID) {
	for {
		p, err := m.st.FindByID(ctx, id)
		if errors.Is(err, process.ErrNotFound) {
			return
		}
		if err != nil {
			m.log.Warn("health monitor reload failed", "process_id", string(id), "error", err)
			// transient repository error: back off one nominal cycle
			if !m.sleep(ctx, time.Second) {
				return
			}
			continue
		}
		hc := p.HealthCheck
		if hc == nil {
			return
		}

		if !m.sleep(ctx, hc.EffectiveInterval()) {
			return
		}

		p, err = m.st.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, process.ErrNotFound) {
				return
			}
			continue
		}
		if p.HealthCheck == nil {
			return
		}
		if !p.IsRunning() {
			continue
		}

		// Grace period after start: report Starting, probe nothing.
		if sp := p.HealthCheck.StartPeriod; sp > 0 && time.Since(p.StartedAt) < sp {
			p.HealthStatus = process.HealthStarting
			m.save(ctx, p)
			continue
		}

		status, cerr := m.checker.Check(ctx, p.HealthCheck)
		if cerr != nil {
			// Executor errors count as unhealthy rather than unknown.
			status = process.HealthUnhealthy
		}

		switch status {
		case process.HealthHealthy:
			p.HealthStatus = process.HealthHealthy
			// When health checks are the success signal, recovery resets the
			// failure streak.
			if p.RuntimeSuccess == 0 && p.HealthCheckFailures > 0 {
				p.HealthCheckFailures = 0
			}
			m.save(ctx, p)
		case process.HealthUnhealthy:
			p.HealthStatus = process.HealthUnhealthy
			p.HealthCheckFailures++
			metrics.IncHealthFailure(p.Name)
			kill := p.HealthCheck.RestartAfter > 0 && p.HealthCheckFailures >= p.HealthCheck.RestartAfter
			if kill {
				p.HealthCheckFailures = 0
			}
			m.save(ctx, p)
			if kill {
				m.log.Info("health check limit reached, killing process",
					"process", p.Name, "pid", p.PID, "restart_after", p.HealthCheck.RestartAfter)
				if err := m.exec.KillWithMode(p.PID, p.EffectiveKillSignal(0), p.KillMode); err != nil {
					m.log.Warn("health-triggered kill failed", "process", p.Name, "error", err)
				}
				// Supervision observes the exit and applies RestartPolicy;
				// this loop instance is done.
				return
			}
		default:
			p.HealthStatus = status
			m.save(ctx, p)
		}
	}
}

// save persists the health fields, retrying once on a version conflict by
// reapplying them to a fresh load. Failures are logged and non-fatal for the
// loop.
func (m *Monitor) save(ctx context.Context, p process.Process) {
	_, err := m.st.Save(ctx, p)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		m.log.Warn("health monitor save failed", "process", p.Name, "error", err)
		return
	}
	fresh, ferr := m.st.FindByID(ctx, p.ID)
	if ferr != nil {
		m.log.Warn("health monitor save failed", "process", p.Name, "error", ferr)
		return
	}
	fresh.HealthStatus = p.HealthStatus
	fresh.HealthCheckFailures = p.HealthCheckFailures
	if _, err := m.st.Save(ctx, fresh); err != nil {
		m.log.Warn("health monitor save failed", "process", p.Name, "error", err)
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
