package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(h http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(h)
	return New(Config{BaseURL: srv.URL}), srv
}

func TestStartHitsEndpointAndDecodesPID(t *testing.T) {
	var gotPath, gotMethod string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_ = json.NewEncoder(w).Encode(map[string]int{"pid": 4321})
	})
	defer srv.Close()

	pid, err := c.Start(context.Background(), "web")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid != 4321 {
		t.Fatalf("pid = %d", pid)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/processes/web/start" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestStopAppendsSignalQuery(t *testing.T) {
	var gotQuery string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string][]string{"stopped": {"web"}})
	})
	defer srv.Close()

	stopped, err := c.Stop(context.Background(), "web", 2)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(stopped) != 1 || stopped[0] != "web" {
		t.Fatalf("stopped = %v", stopped)
	}
	if gotQuery != "signal=2" {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestDaemonErrorSurfaced(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "process web already exists"})
	})
	defer srv.Close()

	_, err := c.Create(context.Background(), ProcessDef{Name: "web", Command: "/bin/true"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected daemon error, got %v", err)
	}
}

func TestRefIsPathEscaped(t *testing.T) {
	var gotPath string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(ProcessInfo{})
	})
	defer srv.Close()

	if _, err := c.Describe(context.Background(), "odd name"); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !strings.Contains(gotPath, "odd%20name") {
		t.Fatalf("ref not escaped: %s", gotPath)
	}
}

func TestIsReachable(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	if !c.IsReachable(context.Background()) {
		t.Fatal("expected reachable")
	}
	srv.Close()
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable after server close")
	}
}
