package socket

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/process"
)

// fakeStarter records activations and lets the test flip the service state.
type fakeStarter struct {
	mu      sync.Mutex
	calls   []manager.StartOptions
	running bool
}

func (f *fakeStarter) StartWith(_ context.Context, _ string, opts manager.StartOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	f.running = true
	return 4242, nil
}

func (f *fakeStarter) Describe(_ context.Context, ref string) (process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := process.StateStopped
	if f.running {
		st = process.StateRunning
	}
	return process.Process{Name: ref, State: st}, nil
}

func (f *fakeStarter) stopService() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitCount(t *testing.T, f *fakeStarter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.callCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d activations, have %d", want, f.callCount())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid tcp", Config{Name: "web", Service: "web", Protocol: "tcp", Address: "127.0.0.1:0"}, true},
		{"default protocol", Config{Name: "web", Service: "web", Address: "127.0.0.1:0"}, true},
		{"missing name", Config{Service: "web", Address: "127.0.0.1:0"}, false},
		{"missing service", Config{Name: "web", Address: "127.0.0.1:0"}, false},
		{"missing address", Config{Name: "web", Service: "web"}, false},
		{"bad protocol", Config{Name: "web", Service: "web", Protocol: "sctp", Address: "127.0.0.1:0"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestActivateOnFirstConnection(t *testing.T) {
	f := &fakeStarter{}
	a := NewActivator(f, nil)
	defer func() { _ = a.Close() }()

	s, err := a.Add(Config{Name: "web-sock", Service: "web", Protocol: "tcp", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	waitCount(t, f, 1)
	f.mu.Lock()
	opts := f.calls[0]
	f.mu.Unlock()
	if len(opts.SocketFiles) != 1 {
		t.Fatalf("expected one inherited fd, got %d", len(opts.SocketFiles))
	}
	if len(opts.SocketNames) != 1 || opts.SocketNames[0] != "web-sock" {
		t.Fatalf("unexpected socket names: %v", opts.SocketNames)
	}
}

func TestBurstActivatesOnce(t *testing.T) {
	f := &fakeStarter{}
	a := NewActivator(f, nil)
	defer func() { _ = a.Close() }()

	s, err := a.Add(Config{Name: "web-sock", Service: "web", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", s.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer func() { _ = c.Close() }()
	}
	waitCount(t, f, 1)
	time.Sleep(150 * time.Millisecond)
	if n := f.callCount(); n != 1 {
		t.Fatalf("a connection burst must produce one start, got %d", n)
	}
}

func TestRearmAfterServiceExit(t *testing.T) {
	f := &fakeStarter{}
	a := NewActivator(f, nil)
	defer func() { _ = a.Close() }()

	s, err := a.Add(Config{Name: "web-sock", Service: "web", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	dial := func() {
		c, err := net.Dial("tcp", s.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = c.Close()
	}
	dial()
	waitCount(t, f, 1)

	f.stopService()
	// Give the watch loop a beat to notice the exit, then trigger again.
	time.Sleep(120 * time.Millisecond)
	dial()
	waitCount(t, f, 2)
}

func TestCloseDisarms(t *testing.T) {
	f := &fakeStarter{}
	a := NewActivator(f, nil)
	s, err := a.Add(Config{Name: "web-sock", Service: "web", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	addr := s.Addr().String()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := net.Dial("tcp", addr); err == nil {
		t.Fatal("expected dial to fail after close")
	}
}
