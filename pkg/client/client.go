package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client speaks to the unitd daemon's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:8420
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the client defaults matching the daemon's default
// listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8420",
		Timeout: 10 * time.Second,
	}
}

// New creates a unitd API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL + "/api/v1",
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/processes", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < http.StatusInternalServerError
}

// Create registers a new process definition.
func (c *Client) Create(ctx context.Context, def ProcessDef) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.do(ctx, http.MethodPost, "/processes", def, &out)
	return out, err
}

// Start starts a process by id or name and returns the spawned pid.
func (c *Client) Start(ctx context.Context, ref string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(ref)+"/start", nil, &out)
	return out.PID, err
}

// Stop stops a process by id or name. signal overrides the configured kill
// signal when positive. Returns every process stopped, cascade included.
func (c *Client) Stop(ctx context.Context, ref string, signal int) ([]string, error) {
	path := "/processes/" + url.PathEscape(ref) + "/stop"
	if signal > 0 {
		path += "?signal=" + strconv.Itoa(signal)
	}
	var out struct {
		Stopped []string `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Stopped, err
}

// List returns all known processes.
func (c *Client) List(ctx context.Context) ([]ProcessInfo, error) {
	var out []ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

// Describe returns the full definition and state of one process.
func (c *Client) Describe(ctx context.Context, ref string) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(ref), nil, &out)
	return out, err
}

// Update replaces the definition of a non-running process.
func (c *Client) Update(ctx context.Context, ref string, def ProcessDef) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.do(ctx, http.MethodPut, "/processes/"+url.PathEscape(ref), def, &out)
	return out, err
}

// Delete removes a non-running process definition.
func (c *Client) Delete(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/processes/"+url.PathEscape(ref), nil, nil)
}

// Status returns the condensed runtime view of one process.
func (c *Client) Status(ctx context.Context, ref string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(ref)+"/status", nil, &out)
	return out, err
}

// Usage samples resource consumption of a running process.
func (c *Client) Usage(ctx context.Context, ref string) (Usage, error) {
	var out Usage
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(ref)+"/usage", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var er ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&er); derr != nil || er.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("daemon: %s", er.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
