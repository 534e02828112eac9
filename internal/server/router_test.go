package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *executor.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	exec := executor.NewFake()
	mgr := manager.New(store.NewMemory(), exec, &health.FakeChecker{}, nil, manager.Config{RuntimeRoot: t.TempDir()})
	t.Cleanup(mgr.Shutdown)
	return NewRouter(mgr, "").Handler(), exec
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateListDescribeDelete(t *testing.T) {
	h, _ := newTestRouter(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/processes", process.Process{Name: "web", Command: "/usr/bin/web"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[process.Process](t, w)
	if created.ID == "" || created.State != process.StateCreated {
		t.Fatalf("unexpected created process: %+v", created)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/processes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if procs := decode[[]process.Process](t, w); len(procs) != 1 {
		t.Fatalf("expected 1 process, got %d", len(procs))
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/processes/web", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("describe: %d", w.Code)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/v1/processes/web", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, h, http.MethodGet, "/api/v1/processes/web", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("describe after delete: %d", w.Code)
	}
}

func TestCreateDuplicateConflict(t *testing.T) {
	h, _ := newTestRouter(t)
	def := process.Process{Name: "web", Command: "/usr/bin/web"}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes", def); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes", def); w.Code != http.StatusConflict {
		t.Fatalf("duplicate create: %d", w.Code)
	}
}

func TestCreateRejectsUnsafeFields(t *testing.T) {
	h, _ := newTestRouter(t)
	cases := []process.Process{
		{Name: "../evil", Command: "/bin/true"},
		{Name: "web", Command: "/bin/true", WorkDir: "relative/dir"},
		{Name: "web", Command: "/bin/true", PIDFile: "../pid"},
	}
	for _, def := range cases {
		if w := doJSON(t, h, http.MethodPost, "/api/v1/processes", def); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %+v, got %d", def, w.Code)
		}
	}
}

func TestStartStopStatus(t *testing.T) {
	h, _ := newTestRouter(t)
	doJSON(t, h, http.MethodPost, "/api/v1/processes", process.Process{Name: "web", Command: "/usr/bin/web"})

	w := doJSON(t, h, http.MethodPost, "/api/v1/processes/web/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if resp := decode[startResp](t, w); resp.PID == 0 {
		t.Fatal("expected a pid")
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/processes/web/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if st := decode[StatusResp](t, w); st.State != string(process.StateRunning) || st.RunCount != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	// Second start on a running process conflicts.
	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes/web/start", nil); w.Code != http.StatusConflict {
		t.Fatalf("double start: %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/processes/web/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	if resp := decode[stopResp](t, w); len(resp.Stopped) != 1 || resp.Stopped[0] != "web" {
		t.Fatalf("unexpected stop response: %+v", resp)
	}

	// Stop again: nothing is running.
	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes/web/stop", nil); w.Code != http.StatusConflict {
		t.Fatalf("stop while stopped: %d", w.Code)
	}
}

func TestStopSignalValidation(t *testing.T) {
	h, exec := newTestRouter(t)
	doJSON(t, h, http.MethodPost, "/api/v1/processes", process.Process{Name: "web", Command: "/usr/bin/web"})
	doJSON(t, h, http.MethodPost, "/api/v1/processes/web/start", nil)

	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes/web/stop?signal=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus signal: %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/processes/web/stop?signal=2", nil); w.Code != http.StatusOK {
		t.Fatalf("stop with signal: %d %s", w.Code, w.Body.String())
	}
	kc, ok := exec.LastKill()
	if !ok || kc.Signal != 2 {
		t.Fatalf("signal override not applied: %+v", kc)
	}
}

func TestUpdateRunningConflict(t *testing.T) {
	h, _ := newTestRouter(t)
	doJSON(t, h, http.MethodPost, "/api/v1/processes", process.Process{Name: "web", Command: "/usr/bin/web"})
	doJSON(t, h, http.MethodPost, "/api/v1/processes/web/start", nil)

	w := doJSON(t, h, http.MethodPut, "/api/v1/processes/web", process.Process{Name: "web", Command: "/usr/bin/web2"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("update while running: %d %s", w.Code, w.Body.String())
	}
}

func TestUsageEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)
	doJSON(t, h, http.MethodPost, "/api/v1/processes", process.Process{Name: "web", Command: "/usr/bin/web"})

	if w := doJSON(t, h, http.MethodGet, "/api/v1/processes/web/usage", nil); w.Code != http.StatusConflict {
		t.Fatalf("usage while stopped: %d", w.Code)
	}
	doJSON(t, h, http.MethodPost, "/api/v1/processes/web/start", nil)
	w := doJSON(t, h, http.MethodGet, "/api/v1/processes/web/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("usage: %d %s", w.Code, w.Body.String())
	}
	if u := decode[executor.Usage](t, w); u.MemoryBytes == 0 {
		t.Fatalf("expected usage sample, got %+v", u)
	}
}

func TestReloadNotImplemented(t *testing.T) {
	h, _ := newTestRouter(t)
	if w := doJSON(t, h, http.MethodPost, "/api/v1/reload", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("reload: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)
	w := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}
