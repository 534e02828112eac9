package process

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is the opaque unique identifier of a managed process, generated at
// creation time.
type ID string

// NewID returns a fresh process id.
func NewID() ID { return ID(uuid.NewString()) }

// ResourceLimits is the optional per-process resource bookkeeping. Fields are
// strictly positive when set; zero means unset.
type ResourceLimits struct {
	CPUMillis   int64 `json:"cpu_millis,omitempty" mapstructure:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes,omitempty" mapstructure:"memory_bytes"`
	MaxPIDs     int64 `json:"max_pids,omitempty" mapstructure:"max_pids"`
}

// Validate rejects non-positive explicit limits.
func (rl *ResourceLimits) Validate() error {
	if rl.CPUMillis < 0 {
		return fmt.Errorf("cpu_millis must be positive, got %d", rl.CPUMillis)
	}
	if rl.MemoryBytes < 0 {
		return fmt.Errorf("memory_bytes must be positive, got %d", rl.MemoryBytes)
	}
	if rl.MaxPIDs < 0 {
		return fmt.Errorf("max_pids must be positive, got %d", rl.MaxPIDs)
	}
	return nil
}

// Process is the aggregate root for one supervised process. It is passed by
// value between the repository and the orchestrators; all state mutations go
// through the Mark* methods so the transition table stays authoritative.
type Process struct {
	ID      ID       `json:"id"`
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	PIDFile string   `json:"pid_file,omitempty"`

	RestartPolicy      RestartPolicy `json:"restart_policy"`
	RestartSec         time.Duration `json:"restart_sec"`
	RestartMaxDelaySec time.Duration `json:"restart_max_delay_sec"`
	StartLimitBurst    int           `json:"start_limit_burst"`
	StartLimitInterval time.Duration `json:"start_limit_interval_sec"`
	TimeoutStart       time.Duration `json:"timeout_start_sec"`
	TimeoutStop        time.Duration `json:"timeout_stop_sec"`
	KillSignal         int           `json:"kill_signal"`
	KillMode           KillMode      `json:"kill_mode"`

	ExecStartPre  []string `json:"exec_start_pre,omitempty"`
	ExecStartPost []string `json:"exec_start_post,omitempty"`
	ExecStopPost  []string `json:"exec_stop_post,omitempty"`

	After     []string `json:"after,omitempty"`
	Before    []string `json:"before,omitempty"`
	Requires  []string `json:"requires,omitempty"`
	Wants     []string `json:"wants,omitempty"`
	BindsTo   []string `json:"binds_to,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`

	HealthCheck         *HealthCheck `json:"health_check,omitempty"`
	HealthStatus        HealthStatus `json:"health_status"`
	HealthCheckFailures int          `json:"health_check_failures"`

	Limits              *ResourceLimits `json:"resource_limits,omitempty"`
	RuntimeDirectory    []string        `json:"runtime_directory,omitempty"`
	RuntimeDirOwner     string          `json:"runtime_dir_owner,omitempty"`
	AmbientCapabilities []int           `json:"ambient_capabilities,omitempty"`
	ConditionPathExists []string        `json:"condition_path_exists,omitempty"`

	SuccessExitStatus []int `json:"success_exit_status,omitempty"`
	// RuntimeSuccess is how long the process must stay up before a start
	// counts as successful. Zero means health checks are the success signal.
	RuntimeSuccess time.Duration `json:"runtime_success_sec"`

	State               State       `json:"state"`
	PID                 int         `json:"pid,omitempty"`
	RunCount            int         `json:"run_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	StartAttempts       []time.Time `json:"start_attempts,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	StartedAt           time.Time   `json:"started_at,omitempty"`
	StoppedAt           time.Time   `json:"stopped_at,omitempty"`

	// Version supports the repository's optimistic concurrency check.
	Version uint64 `json:"version"`
}

// New builds a validated Process in StateCreated. Name uniqueness is the
// caller's responsibility (it needs the repository).
func New(name, command string) (Process, error) {
	p := Process{
		ID:           NewID(),
		Name:         name,
		Command:      command,
		State:        StateCreated,
		HealthStatus: HealthUnknown,
		KillMode:     KillModeProcessGroup,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return Process{}, err
	}
	return p, nil
}

// Validate checks the static definition invariants.
func (p *Process) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &InvalidCommandError{Reason: "name is required"}
	}
	if strings.ContainsAny(p.Name, " \t\n/\\") || strings.Contains(p.Name, "..") {
		return &InvalidCommandError{Reason: fmt.Sprintf("name %q contains invalid characters", p.Name)}
	}
	if strings.TrimSpace(p.Command) == "" {
		return &InvalidCommandError{Reason: "command is required"}
	}
	for _, d := range p.RuntimeDirectory {
		if err := ValidateRuntimeDir(d); err != nil {
			return err
		}
	}
	if p.Limits != nil {
		if err := p.Limits.Validate(); err != nil {
			return &InvalidCommandError{Reason: err.Error()}
		}
	}
	if p.HealthCheck != nil {
		if err := p.HealthCheck.Validate(); err != nil {
			return &InvalidCommandError{Reason: err.Error()}
		}
	}
	if _, err := ParseRestartPolicy(string(p.RestartPolicy)); err != nil {
		return &InvalidCommandError{Reason: err.Error()}
	}
	if _, err := ParseKillMode(string(p.KillMode)); err != nil {
		return &InvalidCommandError{Reason: err.Error()}
	}
	return nil
}

// ValidateRuntimeDir enforces that runtime directory entries are relative and
// free of traversal.
func ValidateRuntimeDir(dir string) error {
	if dir == "" {
		return &InvalidCommandError{Reason: "runtime_directory entry is empty"}
	}
	if filepath.IsAbs(dir) {
		return &InvalidCommandError{Reason: fmt.Sprintf("runtime_directory %q must be relative", dir)}
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return &InvalidCommandError{Reason: fmt.Sprintf("runtime_directory %q must not contain '..'", dir)}
		}
	}
	return nil
}

func (p *Process) markState(to State) error {
	if !p.State.canTransitionTo(to) {
		return &InvalidStateTransitionError{From: p.State, To: to}
	}
	p.State = to
	return nil
}

// MarkStarting transitions to Starting. Persisting this state before any
// dependency recursion is what breaks binds_to/requires cycles.
func (p *Process) MarkStarting() error {
	if !p.State.CanStart() {
		return &InvalidStateTransitionError{From: p.State, To: StateStarting}
	}
	return p.markState(StateStarting)
}

// MarkRunning records the spawned pid and resets the failure counters that a
// manual (re)start clears.
func (p *Process) MarkRunning(pid int) error {
	if err := p.markState(StateRunning); err != nil {
		return err
	}
	p.PID = pid
	p.StartedAt = time.Now().UTC()
	p.ConsecutiveFailures = 0
	if p.HealthCheck != nil {
		p.HealthStatus = HealthStarting
		p.HealthCheckFailures = 0
	}
	return nil
}

// MarkStopping transitions to Stopping; valid only while Running or Starting.
func (p *Process) MarkStopping() error {
	if !p.State.CanStop() {
		if p.State == StateStopped || p.State == StateCreated || p.State == StateFailed || p.State == StateCrashed {
			return ErrNotRunning
		}
		return &InvalidStateTransitionError{From: p.State, To: StateStopping}
	}
	return p.markState(StateStopping)
}

// MarkStopped finalizes a stop: pid cleared, stop timestamp recorded.
func (p *Process) MarkStopped() error {
	if err := p.markState(StateStopped); err != nil {
		return err
	}
	p.PID = 0
	p.StoppedAt = time.Now().UTC()
	return nil
}

// MarkCrashed records an unexpected termination.
func (p *Process) MarkCrashed() error {
	if err := p.markState(StateCrashed); err != nil {
		return err
	}
	p.PID = 0
	p.StoppedAt = time.Now().UTC()
	p.ConsecutiveFailures++
	return nil
}

// MarkFailed records a terminal failure (spawn failure, start limit hit).
func (p *Process) MarkFailed() error {
	if err := p.markState(StateFailed); err != nil {
		return err
	}
	p.PID = 0
	p.StoppedAt = time.Now().UTC()
	return nil
}

// RevertToCreated undoes an early Starting mark when a precondition or the
// start limit rejects the start before any OS effect happened.
func (p *Process) RevertToCreated() error {
	return p.markState(StateCreated)
}

// IsRunning reports the Running state.
func (p *Process) IsRunning() bool { return p.State == StateRunning }

// EffectiveKillSignal resolves explicit > configured > SIGTERM.
func (p *Process) EffectiveKillSignal(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if p.KillSignal > 0 {
		return p.KillSignal
	}
	return DefaultKillSignal
}

// EffectiveStopTimeout resolves the configured stop timeout with the
// systemd-like default.
func (p *Process) EffectiveStopTimeout() time.Duration {
	if p.TimeoutStop > 0 {
		return p.TimeoutStop
	}
	return DefaultTimeoutStop
}

// StartLimitExceeded reports whether another start attempt would exceed the
// burst within the sliding interval window.
func (p *Process) StartLimitExceeded(now time.Time) bool {
	burst := p.StartLimitBurst
	if burst <= 0 {
		burst = DefaultStartLimitBurst
	}
	interval := p.StartLimitInterval
	if interval <= 0 {
		interval = DefaultStartLimitInterval
	}
	n := 0
	for _, t := range p.StartAttempts {
		if now.Sub(t) < interval {
			n++
		}
	}
	return n >= burst
}

// RecordStartAttempt appends a timestamp to the limit window and prunes
// entries older than the interval.
func (p *Process) RecordStartAttempt(now time.Time) {
	interval := p.StartLimitInterval
	if interval <= 0 {
		interval = DefaultStartLimitInterval
	}
	kept := p.StartAttempts[:0]
	for _, t := range p.StartAttempts {
		if now.Sub(t) < interval {
			kept = append(kept, t)
		}
	}
	p.StartAttempts = append(kept, now)
}

// IsSuccessExit reports whether code counts as a clean exit for this process.
// Zero is always clean; SuccessExitStatus extends the set.
func (p *Process) IsSuccessExit(code int) bool {
	if code == 0 {
		return true
	}
	for _, c := range p.SuccessExitStatus {
		if c == code {
			return true
		}
	}
	return false
}

// HardDependencies returns requires ∪ binds_to, deduplicated, order preserved.
func (p *Process) HardDependencies() []string {
	seen := make(map[string]struct{}, len(p.Requires)+len(p.BindsTo))
	out := make([]string, 0, len(p.Requires)+len(p.BindsTo))
	for _, n := range append(append([]string{}, p.Requires...), p.BindsTo...) {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
