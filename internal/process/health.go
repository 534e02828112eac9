package process

import (
	"fmt"
	"time"
)

// HealthStatus is the runtime result of periodic health probing.
type HealthStatus string

const (
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheckType selects the probe protocol.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// HealthCheck describes a periodic probe against a running process.
// RestartAfter is the number of consecutive failures that triggers a kill
// (zero disables kill-on-unhealthy entirely).
type HealthCheck struct {
	Type         HealthCheckType `json:"type" mapstructure:"type"`
	Interval     time.Duration   `json:"interval" mapstructure:"interval"`
	Timeout      time.Duration   `json:"timeout" mapstructure:"timeout"`
	Retries      int             `json:"retries" mapstructure:"retries"`
	StartPeriod  time.Duration   `json:"start_period" mapstructure:"start_period"`
	RestartAfter int             `json:"restart_after" mapstructure:"restart_after"`

	// http
	URL            string `json:"url,omitempty" mapstructure:"url"`
	ExpectedStatus int    `json:"expected_status,omitempty" mapstructure:"expected_status"`
	// tcp
	Host string `json:"host,omitempty" mapstructure:"host"`
	Port int    `json:"port,omitempty" mapstructure:"port"`
	// exec
	Command string `json:"command,omitempty" mapstructure:"command"`
}

// Validate checks type-specific parameters and common bounds.
func (hc *HealthCheck) Validate() error {
	switch hc.Type {
	case HealthCheckHTTP:
		if hc.URL == "" {
			return fmt.Errorf("http health check requires url")
		}
	case HealthCheckTCP:
		if hc.Port <= 0 || hc.Port > 65535 {
			return fmt.Errorf("tcp health check requires port in 1..65535, got %d", hc.Port)
		}
	case HealthCheckExec:
		if hc.Command == "" {
			return fmt.Errorf("exec health check requires command")
		}
	default:
		return fmt.Errorf("unknown health check type %q", hc.Type)
	}
	if hc.Interval < 0 || hc.Timeout < 0 || hc.StartPeriod < 0 {
		return fmt.Errorf("health check durations cannot be negative")
	}
	if hc.RestartAfter < 0 {
		return fmt.Errorf("health check restart_after cannot be negative")
	}
	return nil
}

// EffectiveInterval returns the probe interval with the default applied.
func (hc *HealthCheck) EffectiveInterval() time.Duration {
	if hc.Interval > 0 {
		return hc.Interval
	}
	return 10 * time.Second
}

// EffectiveTimeout returns the per-probe timeout with the default applied.
func (hc *HealthCheck) EffectiveTimeout() time.Duration {
	if hc.Timeout > 0 {
		return hc.Timeout
	}
	return 5 * time.Second
}
