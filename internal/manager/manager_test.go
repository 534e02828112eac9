package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *executor.Fake, store.Store) {
	t.Helper()
	st := store.NewMemory()
	exec := executor.NewFake()
	m := New(st, exec, &health.FakeChecker{}, nil, Config{RuntimeRoot: t.TempDir()})
	t.Cleanup(m.Shutdown)
	return m, exec, st
}

func mustCreate(t *testing.T, m *Manager, p process.Process) process.Process {
	t.Helper()
	saved, err := m.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create %s: %v", p.Name, err)
	}
	return saved
}

func def(name string) process.Process {
	return process.Process{Name: name, Command: "/bin/sleep 60"}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func stateOf(t *testing.T, st store.Store, name string) process.Process {
	t.Helper()
	p, err := st.FindByName(context.Background(), name)
	if err != nil {
		t.Fatalf("find %s: %v", name, err)
	}
	return p
}

func TestCreateDuplicateName(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	if _, err := m.Create(context.Background(), def("web")); !errors.Is(err, process.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	m, exec, st := newTestManager(t)
	mustCreate(t, m, def("web"))
	ctx := context.Background()

	pid, err := m.Start(ctx, "web")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected non-zero pid")
	}
	p := stateOf(t, st, "web")
	if p.State != process.StateRunning || p.PID != pid || p.RunCount != 1 {
		t.Fatalf("unexpected state after start: %+v", p)
	}

	stopped, err := m.Stop(ctx, "web", 0)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(stopped) != 1 || stopped[0] != "web" {
		t.Fatalf("unexpected stopped set: %v", stopped)
	}
	p = stateOf(t, st, "web")
	if p.State != process.StateStopped || p.PID != 0 {
		t.Fatalf("unexpected state after stop: %+v", p)
	}
	kc, ok := exec.LastKill()
	if !ok || kc.Signal != process.DefaultKillSignal || kc.Mode != process.KillModeProcessGroup {
		t.Fatalf("unexpected kill call: %+v", kc)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	ctx := context.Background()
	if _, err := m.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := m.Start(ctx, "web")
	if !process.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	if _, err := m.Stop(context.Background(), "web", 0); !errors.Is(err, process.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartDependencyCycle(t *testing.T) {
	m, exec, st := newTestManager(t)
	a := def("a")
	a.BindsTo = []string{"b"}
	b := def("b")
	b.BindsTo = []string{"a"}
	mustCreate(t, m, a)
	mustCreate(t, m, b)

	if _, err := m.Start(context.Background(), "a"); err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if exec.SpawnCount != 2 {
		t.Fatalf("expected 2 spawns, got %d", exec.SpawnCount)
	}
	for _, n := range []string{"a", "b"} {
		if p := stateOf(t, st, n); p.State != process.StateRunning {
			t.Fatalf("%s not running: %s", n, p.State)
		}
	}
}

// slowStore widens the window between the claim and commit phases of a start
// by delaying every write.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) Save(ctx context.Context, p process.Process) (process.Process, error) {
	time.Sleep(s.delay)
	return s.Store.Save(ctx, p)
}

func TestConcurrentStartsOfMutuallyBoundProcesses(t *testing.T) {
	st := &slowStore{Store: store.NewMemory(), delay: 20 * time.Millisecond}
	exec := executor.NewFake()
	m := New(st, exec, &health.FakeChecker{}, nil, Config{RuntimeRoot: t.TempDir()})
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	a := def("a")
	a.BindsTo = []string{"b"}
	b := def("b")
	b.BindsTo = []string{"a"}
	mustCreate(t, m, a)
	mustCreate(t, m, b)

	done := make(chan error, 2)
	go func() { _, err := m.Start(ctx, "a"); done <- err }()
	go func() { _, err := m.Start(ctx, "b"); done <- err }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			// A peer may have claimed the node first; only hangs and
			// unexpected errors are failures.
			if err != nil && !process.IsInvalidTransition(err) {
				t.Fatalf("concurrent start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent starts of mutually bound processes did not return")
		}
	}
	for _, n := range []string{"a", "b"} {
		waitFor(t, func() bool {
			p, err := st.FindByName(ctx, n)
			return err == nil && p.State == process.StateRunning
		}, n+" running after concurrent starts")
	}
}

func TestStartMissingHardDependency(t *testing.T) {
	m, _, st := newTestManager(t)
	a := def("a")
	a.Requires = []string{"ghost"}
	mustCreate(t, m, a)

	_, err := m.Start(context.Background(), "a")
	var dnf *process.DependencyNotFoundError
	if !errors.As(err, &dnf) || dnf.Name != "ghost" {
		t.Fatalf("expected DependencyNotFoundError{ghost}, got %v", err)
	}
	if p := stateOf(t, st, "a"); p.State != process.StateCreated {
		t.Fatalf("expected revert to created, got %s", p.State)
	}
}

func TestStartSoftDependencyFailureIgnored(t *testing.T) {
	m, _, st := newTestManager(t)
	a := def("a")
	a.Wants = []string{"ghost"}
	mustCreate(t, m, a)
	if _, err := m.Start(context.Background(), "a"); err != nil {
		t.Fatalf("start with missing soft dep: %v", err)
	}
	if p := stateOf(t, st, "a"); p.State != process.StateRunning {
		t.Fatalf("expected running, got %s", p.State)
	}
}

func TestStartStopsConflicts(t *testing.T) {
	m, _, st := newTestManager(t)
	old := def("old")
	mustCreate(t, m, old)
	neu := def("new")
	neu.Conflicts = []string{"old"}
	mustCreate(t, m, neu)
	ctx := context.Background()

	if _, err := m.Start(ctx, "old"); err != nil {
		t.Fatalf("start old: %v", err)
	}
	if _, err := m.Start(ctx, "new"); err != nil {
		t.Fatalf("start new: %v", err)
	}
	if p := stateOf(t, st, "old"); p.State != process.StateStopped {
		t.Fatalf("conflicting process not stopped: %s", p.State)
	}
	if p := stateOf(t, st, "new"); p.State != process.StateRunning {
		t.Fatalf("new not running: %s", p.State)
	}
}

func TestConditionPathExists(t *testing.T) {
	m, _, st := newTestManager(t)
	marker := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	p := def("guarded")
	p.ConditionPathExists = []string{"!" + marker}
	mustCreate(t, m, p)

	_, err := m.Start(context.Background(), "guarded")
	var ice *process.InvalidCommandError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InvalidCommandError, got %v", err)
	}
	if got := stateOf(t, st, "guarded"); got.State != process.StateCreated {
		t.Fatalf("expected created after condition failure, got %s", got.State)
	}
}

func TestStopEscalatesToSIGKILL(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("stubborn")
	p.TimeoutStop = 20 * time.Millisecond
	mustCreate(t, m, p)
	ctx := context.Background()
	if _, err := m.Start(ctx, "stubborn"); err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.IgnoreKill = 1 // swallow the first SIGTERM

	if _, err := m.Stop(ctx, "stubborn", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(exec.KillCalls) != 2 {
		t.Fatalf("expected 2 kill calls, got %d", len(exec.KillCalls))
	}
	last := exec.KillCalls[1]
	if last.Signal != sigKILL || last.Mode != process.KillModeProcessGroup {
		t.Fatalf("expected SIGKILL to the group, got %+v", last)
	}
	if got := stateOf(t, st, "stubborn"); got.State != process.StateStopped {
		t.Fatalf("expected stopped, got %s", got.State)
	}
}

func TestStopCascadesToBound(t *testing.T) {
	m, _, st := newTestManager(t)
	db := def("db")
	mustCreate(t, m, db)
	app := def("app")
	app.BindsTo = []string{"db"}
	mustCreate(t, m, app)
	ctx := context.Background()

	if _, err := m.Start(ctx, "app"); err != nil {
		t.Fatalf("start app: %v", err)
	}
	stopped, err := m.Stop(ctx, "db", 0)
	if err != nil {
		t.Fatalf("stop db: %v", err)
	}
	if len(stopped) != 2 {
		t.Fatalf("expected db and app stopped, got %v", stopped)
	}
	for _, n := range []string{"db", "app"} {
		if p := stateOf(t, st, n); p.State != process.StateStopped {
			t.Fatalf("%s not stopped: %s", n, p.State)
		}
	}
}

func TestStopCascadeUsesResolvedSignal(t *testing.T) {
	m, exec, _ := newTestManager(t)
	db := def("db")
	mustCreate(t, m, db)
	app := def("app")
	app.BindsTo = []string{"db"}
	app.KillSignal = 10 // overridden by the cascade root's resolved signal
	mustCreate(t, m, app)
	ctx := context.Background()

	if _, err := m.Start(ctx, "app"); err != nil {
		t.Fatalf("start app: %v", err)
	}
	stopped, err := m.Stop(ctx, "db", 12)
	if err != nil {
		t.Fatalf("stop db: %v", err)
	}
	if len(stopped) != 2 {
		t.Fatalf("expected db and app stopped, got %v", stopped)
	}
	for _, kc := range exec.KillCalls {
		if kc.Signal != 12 {
			t.Fatalf("cascade member signalled with %d, want the resolved signal 12", kc.Signal)
		}
	}
}

func TestStopCascadeContinuesPastFailedMember(t *testing.T) {
	m, exec, st := newTestManager(t)
	db := def("db")
	mustCreate(t, m, db)
	app1 := def("app1")
	app1.BindsTo = []string{"db"}
	app1.TimeoutStop = 20 * time.Millisecond
	mustCreate(t, m, app1)
	app2 := def("app2")
	app2.BindsTo = []string{"db"}
	mustCreate(t, m, app2)
	ctx := context.Background()

	if _, err := m.Start(ctx, "app1"); err != nil {
		t.Fatalf("start app1: %v", err)
	}
	if _, err := m.Start(ctx, "app2"); err != nil {
		t.Fatalf("start app2: %v", err)
	}
	p1 := stateOf(t, st, "app1")
	exec.KillErrFor = map[int]error{p1.PID: errors.New("kill refused")}

	stopped, err := m.Stop(ctx, "db", 0)
	if err != nil {
		t.Fatalf("stop db: %v", err)
	}
	got := map[string]bool{}
	for _, n := range stopped {
		got[n] = true
	}
	if !got["db"] || !got["app2"] || got["app1"] {
		t.Fatalf("unexpected stopped set: %v", stopped)
	}
	if p := stateOf(t, st, "app2"); p.State != process.StateStopped {
		t.Fatalf("app2 must stop despite app1's failure, got %s", p.State)
	}
	if p := stateOf(t, st, "db"); p.State != process.StateStopped {
		t.Fatalf("db not stopped: %s", p.State)
	}
}

func TestTransitionMetricRecordsPriorState(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("metricproc"))
	ctx := context.Background()

	if _, err := m.Start(ctx, "metricproc"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Stop(ctx, "metricproc", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := m.Start(ctx, "metricproc"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `unitd_process_state_transitions_total{from="stopped",name="metricproc",to="starting"}`
	if !strings.Contains(w.Body.String(), want) {
		t.Fatalf("restart from stopped must be labelled with the prior state; missing %s", want)
	}
}

func TestCrashRestartOnFailure(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("flaky")
	p.RestartPolicy = process.RestartOnFailure
	p.RestartSec = time.Millisecond
	mustCreate(t, m, p)
	ctx := context.Background()

	pid, err := m.Start(ctx, "flaky")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.TriggerExit(pid, 1)

	waitFor(t, func() bool {
		got := stateOf(t, st, "flaky")
		return got.State == process.StateRunning && got.PID != pid
	}, "automatic restart")
	if got := stateOf(t, st, "flaky"); got.RunCount != 2 {
		t.Fatalf("expected run count 2, got %d", got.RunCount)
	}
}

func TestCleanExitNoRestartOnFailure(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("oneshot")
	p.RestartPolicy = process.RestartOnFailure
	p.RestartSec = time.Millisecond
	mustCreate(t, m, p)

	pid, err := m.Start(context.Background(), "oneshot")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.TriggerExit(pid, 0)

	waitFor(t, func() bool {
		return stateOf(t, st, "oneshot").State == process.StateStopped
	}, "clean exit recorded")
	time.Sleep(20 * time.Millisecond)
	if exec.SpawnCount != 1 {
		t.Fatalf("clean exit must not restart, spawns=%d", exec.SpawnCount)
	}
}

func TestSuccessExitStatusTreatedClean(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("graceful")
	p.RestartPolicy = process.RestartOnFailure
	p.RestartSec = time.Millisecond
	p.SuccessExitStatus = []int{143}
	mustCreate(t, m, p)

	pid, err := m.Start(context.Background(), "graceful")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.TriggerExit(pid, 143)

	waitFor(t, func() bool {
		return stateOf(t, st, "graceful").State == process.StateStopped
	}, "exit 143 recorded as stop")
	if exec.SpawnCount != 1 {
		t.Fatalf("success exit must not restart, spawns=%d", exec.SpawnCount)
	}
}

func TestUserStopNeverRestarts(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("sticky")
	p.RestartPolicy = process.RestartAlways
	p.RestartSec = time.Millisecond
	mustCreate(t, m, p)
	ctx := context.Background()

	if _, err := m.Start(ctx, "sticky"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Stop(ctx, "sticky", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if exec.SpawnCount != 1 {
		t.Fatalf("user stop must not restart, spawns=%d", exec.SpawnCount)
	}
	if got := stateOf(t, st, "sticky"); got.State != process.StateStopped {
		t.Fatalf("expected stopped, got %s", got.State)
	}
}

func TestStartLimitMarksFailed(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("flapper")
	p.RestartPolicy = process.RestartAlways
	p.RestartSec = time.Millisecond
	p.StartLimitBurst = 2
	p.StartLimitInterval = time.Hour
	mustCreate(t, m, p)

	if _, err := m.Start(context.Background(), "flapper"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Crash it until supervision gives up.
	go func() {
		for i := 0; i < 10; i++ {
			if pid, ok := exec.LastPID(); ok && exec.IsRunning(pid) {
				exec.TriggerExit(pid, 1)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, func() bool {
		return stateOf(t, st, "flapper").State == process.StateFailed
	}, "start limit to mark the process failed")
}

func TestRuntimeSuccessWindowFailure(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("slowstart")
	p.RuntimeSuccess = 50 * time.Millisecond
	mustCreate(t, m, p)

	go func() {
		for i := 0; i < 100; i++ {
			if pid, ok := exec.LastPID(); ok {
				exec.TriggerExit(pid, 2)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if _, err := m.Start(context.Background(), "slowstart"); err == nil {
		t.Fatal("expected startup failure when the process exits inside the success window")
	}
	if got := stateOf(t, st, "slowstart"); got.State != process.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
}

func TestHooksRunAndFailuresIgnored(t *testing.T) {
	m, exec, st := newTestManager(t)
	p := def("hooked")
	p.ExecStartPre = []string{"echo pre"}
	p.ExecStartPost = []string{"echo post"}
	p.ExecStopPost = []string{"echo bye"}
	mustCreate(t, m, p)
	ctx := context.Background()

	exec.HookErr = errors.New("hook boom")
	if _, err := m.Start(ctx, "hooked"); err != nil {
		t.Fatalf("hook failure must not abort start: %v", err)
	}
	if _, err := m.Stop(ctx, "hooked", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(exec.Commands) != 3 {
		t.Fatalf("expected 3 hook invocations, got %v", exec.Commands)
	}
	if got := stateOf(t, st, "hooked"); got.State != process.StateStopped {
		t.Fatalf("expected stopped, got %s", got.State)
	}
}

func TestDeleteRequiresStopped(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	ctx := context.Background()
	if _, err := m.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	var ice *process.InvalidCommandError
	if err := m.Delete(ctx, "web"); !errors.As(err, &ice) {
		t.Fatalf("expected rejection for running process, got %v", err)
	}
	if _, err := m.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Delete(ctx, "web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Describe(ctx, "web"); !errors.Is(err, process.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateRequiresStopped(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	ctx := context.Background()
	if _, err := m.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	next := def("web")
	next.Command = "/bin/sleep 120"
	var ice *process.InvalidCommandError
	if _, err := m.Update(ctx, "web", next); !errors.As(err, &ice) {
		t.Fatalf("expected rejection for running process, got %v", err)
	}
	if _, err := m.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, err := m.Update(ctx, "web", next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Command != "/bin/sleep 120" {
		t.Fatalf("command not updated: %s", got.Command)
	}
}

func TestUsageRequiresRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustCreate(t, m, def("web"))
	ctx := context.Background()
	if _, err := m.Usage(ctx, "web"); !errors.Is(err, process.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := m.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	u, err := m.Usage(ctx, "web")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.MemoryBytes == 0 {
		t.Fatal("expected a usage sample")
	}
}
