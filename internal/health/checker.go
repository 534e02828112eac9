package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loykin/unitd/internal/process"
)

// Checker is the health-probe port. A returned error is treated by the
// monitor as Unhealthy (fail-safe).
type Checker interface {
	Check(ctx context.Context, hc *process.HealthCheck) (process.HealthStatus, error)
}

// ProbeChecker is the production Checker with HTTP, TCP and exec probes.
type ProbeChecker struct {
	client *http.Client
}

func NewProbeChecker() *ProbeChecker {
	return &ProbeChecker{client: &http.Client{}}
}

func (c *ProbeChecker) Check(ctx context.Context, hc *process.HealthCheck) (process.HealthStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, hc.EffectiveTimeout())
	defer cancel()
	switch hc.Type {
	case process.HealthCheckHTTP:
		return c.checkHTTP(cctx, hc)
	case process.HealthCheckTCP:
		return c.checkTCP(cctx, hc)
	case process.HealthCheckExec:
		return c.checkExec(cctx, hc)
	}
	return process.HealthUnknown, fmt.Errorf("unknown health check type %q", hc.Type)
}

func (c *ProbeChecker) checkHTTP(ctx context.Context, hc *process.HealthCheck) (process.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.URL, nil)
	if err != nil {
		return process.HealthUnhealthy, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return process.HealthUnhealthy, err
	}
	defer func() { _ = resp.Body.Close() }()
	if hc.ExpectedStatus > 0 {
		if resp.StatusCode == hc.ExpectedStatus {
			return process.HealthHealthy, nil
		}
		return process.HealthUnhealthy, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return process.HealthHealthy, nil
	}
	return process.HealthUnhealthy, nil
}

func (c *ProbeChecker) checkTCP(ctx context.Context, hc *process.HealthCheck) (process.HealthStatus, error) {
	host := hc.Host
	if host == "" {
		host = "127.0.0.1"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(hc.Port)))
	if err != nil {
		return process.HealthUnhealthy, nil
	}
	_ = conn.Close()
	return process.HealthHealthy, nil
}

func (c *ProbeChecker) checkExec(ctx context.Context, hc *process.HealthCheck) (process.HealthStatus, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", hc.Command)
	if err := cmd.Run(); err != nil {
		return process.HealthUnhealthy, nil
	}
	return process.HealthHealthy, nil
}

// FakeChecker returns a scripted sequence of results and then repeats the
// last one. For monitor tests.
type FakeChecker struct {
	mu      sync.Mutex
	Results []process.HealthStatus
	Err     error
	Calls   int
}

func (f *FakeChecker) Check(_ context.Context, _ *process.HealthCheck) (process.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return process.HealthUnknown, f.Err
	}
	if len(f.Results) == 0 {
		return process.HealthHealthy, nil
	}
	i := f.Calls - 1
	if i >= len(f.Results) {
		i = len(f.Results) - 1
	}
	return f.Results[i], nil
}
