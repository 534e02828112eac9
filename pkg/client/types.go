package client

import "time"

// ProcessDef is the definition payload for create/update. Field names follow
// the daemon's JSON schema; durations are Go duration values.
type ProcessDef struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	PIDFile string   `json:"pid_file,omitempty"`

	RestartPolicy string        `json:"restart_policy,omitempty"`
	RestartSec    time.Duration `json:"restart_sec,omitempty"`
	TimeoutStop   time.Duration `json:"timeout_stop_sec,omitempty"`
	KillSignal    int           `json:"kill_signal,omitempty"`
	KillMode      string        `json:"kill_mode,omitempty"`

	Requires  []string `json:"requires,omitempty"`
	Wants     []string `json:"wants,omitempty"`
	BindsTo   []string `json:"binds_to,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// ProcessInfo is the daemon's view of one process as returned by list and
// describe. Unknown fields in the response are ignored.
type ProcessInfo struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Command             string    `json:"command"`
	State               string    `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	HealthStatus        string    `json:"health_status"`
	RunCount            int       `json:"run_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	StoppedAt           time.Time `json:"stopped_at,omitempty"`
}

// Status is the condensed runtime view from /status.
type Status struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	State               string    `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	HealthStatus        string    `json:"health_status"`
	RunCount            int       `json:"run_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	StoppedAt           time.Time `json:"stopped_at,omitempty"`
}

// Usage is a resource consumption sample from /usage.
type Usage struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
	NumPIDs     int64 `json:"num_pids"`
}

// ErrorResponse is the daemon's error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
