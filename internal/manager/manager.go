package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

// Config tunes the manager's filesystem footprint.
type Config struct {
	// LogDir is the base directory for child stdout/stderr capture; empty
	// sends child output to /dev/null.
	LogDir string
	// RuntimeRoot is the directory under which relative runtime_directory
	// entries are created. Defaults to "run".
	RuntimeRoot string
}

// Manager owns the Start/Stop orchestrations, creation/deletion, restart
// supervision and the background health monitors. The repository is the
// single source of truth; the manager serializes operations on the same
// process with a per-name lock and relies on the store's version check as a
// backstop for the background loops.
type Manager struct {
	st      store.Store
	exec    executor.Executor
	checker health.Checker
	log     *slog.Logger
	cfg     Config

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	runs     map[process.ID]*runHandle
	monitors map[process.ID]context.CancelFunc
	sinks    []history.Sink
	wg       sync.WaitGroup
}

// runHandle tracks one live run of a process. exited is closed by the single
// watcher goroutine after the child is reaped; result is valid after that.
type runHandle struct {
	pid    int
	exited chan struct{}
	result executor.ExitResult
}

func New(st store.Store, exec executor.Executor, checker health.Checker, log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RuntimeRoot == "" {
		cfg.RuntimeRoot = "run"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		st:         st,
		exec:       exec,
		checker:    checker,
		log:        log,
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		locks:      make(map[string]*sync.Mutex),
		runs:       make(map[process.ID]*runHandle),
		monitors:   make(map[process.ID]context.CancelFunc),
	}
}

// SetHistorySinks configures external lifecycle event sinks.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// Create validates and persists a new process definition in StateCreated.
func (m *Manager) Create(ctx context.Context, p process.Process) (process.Process, error) {
	if p.ID == "" {
		p.ID = process.NewID()
	}
	if p.State == "" {
		p.State = process.StateCreated
	}
	if p.HealthStatus == "" {
		p.HealthStatus = process.HealthUnknown
	}
	if p.KillMode == "" {
		p.KillMode = process.KillModeProcessGroup
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := p.Validate(); err != nil {
		return process.Process{}, err
	}
	exists, err := m.st.ExistsByName(ctx, p.Name)
	if err != nil {
		return process.Process{}, err
	}
	if exists {
		return process.Process{}, process.ErrDuplicate
	}
	saved, err := m.st.Save(ctx, p)
	if err != nil {
		return process.Process{}, err
	}
	m.log.Info("process created", "process", saved.Name, "id", string(saved.ID))
	return saved, nil
}

// CreateFromCommand is the short form used by the CLI: name plus a command
// line.
func (m *Manager) CreateFromCommand(ctx context.Context, name, command string) (process.Process, error) {
	p, err := process.New(name, command)
	if err != nil {
		return process.Process{}, err
	}
	return m.Create(ctx, p)
}

// Delete removes a non-running process definition.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	p, err := m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return err
	}
	lock := m.lockFor(p.Name)
	lock.Lock()
	defer lock.Unlock()
	p, err = m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return err
	}
	switch p.State {
	case process.StateRunning, process.StateStarting, process.StateStopping:
		return &process.InvalidCommandError{Reason: "process must be stopped before deletion"}
	}
	m.cancelMonitor(p.ID)
	if err := m.st.Delete(ctx, p.ID); err != nil {
		return err
	}
	m.log.Info("process deleted", "process", p.Name)
	return nil
}

// Update replaces the definition of a non-running process, preserving its
// identity and counters.
func (m *Manager) Update(ctx context.Context, ref string, def process.Process) (process.Process, error) {
	cur, err := m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return process.Process{}, err
	}
	lock := m.lockFor(cur.Name)
	lock.Lock()
	defer lock.Unlock()
	cur, err = m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return process.Process{}, err
	}
	switch cur.State {
	case process.StateRunning, process.StateStarting, process.StateStopping:
		return process.Process{}, &process.InvalidCommandError{Reason: "process must be stopped before update"}
	}
	if def.Name != "" && def.Name != cur.Name {
		exists, err := m.st.ExistsByName(ctx, def.Name)
		if err != nil {
			return process.Process{}, err
		}
		if exists {
			return process.Process{}, process.ErrDuplicate
		}
		cur.Name = def.Name
	}
	cur.Command = def.Command
	cur.Args = def.Args
	cur.Env = def.Env
	cur.WorkDir = def.WorkDir
	cur.PIDFile = def.PIDFile
	cur.RestartPolicy = def.RestartPolicy
	cur.RestartSec = def.RestartSec
	cur.RestartMaxDelaySec = def.RestartMaxDelaySec
	cur.StartLimitBurst = def.StartLimitBurst
	cur.StartLimitInterval = def.StartLimitInterval
	cur.TimeoutStart = def.TimeoutStart
	cur.TimeoutStop = def.TimeoutStop
	cur.KillSignal = def.KillSignal
	if def.KillMode != "" {
		cur.KillMode = def.KillMode
	}
	cur.ExecStartPre = def.ExecStartPre
	cur.ExecStartPost = def.ExecStartPost
	cur.ExecStopPost = def.ExecStopPost
	cur.After = def.After
	cur.Before = def.Before
	cur.Requires = def.Requires
	cur.Wants = def.Wants
	cur.BindsTo = def.BindsTo
	cur.Conflicts = def.Conflicts
	cur.HealthCheck = def.HealthCheck
	cur.Limits = def.Limits
	cur.RuntimeDirectory = def.RuntimeDirectory
	cur.RuntimeDirOwner = def.RuntimeDirOwner
	cur.AmbientCapabilities = def.AmbientCapabilities
	cur.ConditionPathExists = def.ConditionPathExists
	cur.SuccessExitStatus = def.SuccessExitStatus
	cur.RuntimeSuccess = def.RuntimeSuccess
	if err := cur.Validate(); err != nil {
		return process.Process{}, err
	}
	return m.st.Save(ctx, cur)
}

// Describe returns the full process snapshot.
func (m *Manager) Describe(ctx context.Context, ref string) (process.Process, error) {
	return m.st.FindByIDOrName(ctx, ref)
}

// List returns all known processes.
func (m *Manager) List(ctx context.Context) ([]process.Process, error) {
	return m.st.FindAll(ctx)
}

// Usage samples resource consumption for a running process.
func (m *Manager) Usage(ctx context.Context, ref string) (executor.Usage, error) {
	p, err := m.st.FindByIDOrName(ctx, ref)
	if err != nil {
		return executor.Usage{}, err
	}
	if !p.IsRunning() || p.PID == 0 {
		return executor.Usage{}, process.ErrNotRunning
	}
	return m.exec.Usage(p.PID)
}

// Shutdown cancels all background monitors and supervision waiters. Managed
// children keep running; stopping them is a separate, explicit decision.
func (m *Manager) Shutdown() {
	m.baseCancel()
	m.mu.Lock()
	for id, cancel := range m.monitors {
		cancel()
		delete(m.monitors, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) registerRun(id process.ID, rh *runHandle) {
	m.mu.Lock()
	m.runs[id] = rh
	m.mu.Unlock()
}

func (m *Manager) runFor(id process.ID) *runHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

func (m *Manager) unregisterRun(id process.ID, rh *runHandle) {
	m.mu.Lock()
	if m.runs[id] == rh {
		delete(m.runs, id)
	}
	m.mu.Unlock()
}

func (m *Manager) registerMonitor(id process.ID, cancel context.CancelFunc) {
	m.mu.Lock()
	if old, ok := m.monitors[id]; ok {
		old()
	}
	m.monitors[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) cancelMonitor(id process.ID) {
	m.mu.Lock()
	if cancel, ok := m.monitors[id]; ok {
		cancel()
		delete(m.monitors, id)
	}
	m.mu.Unlock()
}

func (m *Manager) emit(evt history.Event) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.sinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, evt); err != nil {
			m.log.Warn("history sink send failed", "event", string(evt.Type), "error", err)
		}
	}
}

func (m *Manager) updateRunningGauge(ctx context.Context) {
	all, err := m.st.FindAll(ctx)
	if err != nil {
		return
	}
	n := 0
	for _, p := range all {
		if p.IsRunning() {
			n++
		}
	}
	metrics.SetRunning(n)
}

// saveRetry persists p and retries once on a version conflict by reapplying
// mutate to a fresh load. Used by the background paths that race the
// foreground orchestrators.
func (m *Manager) saveRetry(ctx context.Context, p process.Process, mutate func(*process.Process) error) (process.Process, error) {
	saved, err := m.st.Save(ctx, p)
	if !errors.Is(err, store.ErrVersionConflict) {
		return saved, err
	}
	fresh, err := m.st.FindByID(ctx, p.ID)
	if err != nil {
		return process.Process{}, err
	}
	if err := mutate(&fresh); err != nil {
		return process.Process{}, err
	}
	return m.st.Save(ctx, fresh)
}
