package process

import (
	"fmt"
	"time"
)

// RestartPolicy governs automatic restart after an unexpected exit.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartOnSuccess RestartPolicy = "on-success"
)

// ParseRestartPolicy maps a config string to a RestartPolicy. Empty means
// RestartNever.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case "", RestartNever:
		return RestartNever, nil
	case RestartAlways, RestartOnFailure, RestartOnSuccess:
		return RestartPolicy(s), nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

// ShouldRestart reports whether this policy restarts after an unexpected
// exit with the given cleanliness. User-initiated stops never restart and are
// decided before this is consulted.
func (rp RestartPolicy) ShouldRestart(success bool) bool {
	switch rp {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !success
	case RestartOnSuccess:
		return success
	}
	return false
}

// KillMode selects whether a stop signal targets only the tracked pid or its
// whole process group.
type KillMode string

const (
	KillModeProcess      KillMode = "process"
	KillModeProcessGroup KillMode = "process-group"
)

// ParseKillMode maps a config string to a KillMode. Empty means
// KillModeProcessGroup, matching how children are spawned (setpgid).
func ParseKillMode(s string) (KillMode, error) {
	switch KillMode(s) {
	case "", KillModeProcessGroup:
		return KillModeProcessGroup, nil
	case KillModeProcess:
		return KillModeProcess, nil
	}
	return "", fmt.Errorf("unknown kill mode %q", s)
}

// Defaults mirror systemd where the upstream behavior is systemd-like.
const (
	DefaultKillSignal         = 15 // SIGTERM
	DefaultTimeoutStop        = 90 * time.Second
	DefaultStartLimitBurst    = 5
	DefaultStartLimitInterval = 10 * time.Second
	DefaultRestartSec         = 100 * time.Millisecond
)

// RestartDelay computes the supervision backoff for the given consecutive
// failure count: restartSec doubled per extra failure, capped at maxDelay
// (cap ignored when zero).
func RestartDelay(restartSec, maxDelay time.Duration, consecutiveFailures int) time.Duration {
	if restartSec <= 0 {
		restartSec = DefaultRestartSec
	}
	d := restartSec
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
