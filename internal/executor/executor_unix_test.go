//go:build unix

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/unitd/internal/process"
)

func TestSpawnAndWait(t *testing.T) {
	o := NewOS()
	h, err := o.Spawn(context.Background(), SpawnSpec{Name: "true", Command: "/bin/true"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID <= 0 {
		t.Fatalf("bad pid %d", h.PID)
	}
	select {
	case res := <-h.Done:
		if res.Code != 0 {
			t.Fatalf("expected clean exit, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
}

func TestSpawnFailure(t *testing.T) {
	o := NewOS()
	if _, err := o.Spawn(context.Background(), SpawnSpec{Name: "bad", Command: "/no/such/binary"}); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestExitCode(t *testing.T) {
	o := NewOS()
	h, err := o.Spawn(context.Background(), SpawnSpec{Name: "exit3", Command: "sh -c 'exit 3'"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case res := <-h.Done:
		if res.Code != 3 {
			t.Fatalf("expected exit code 3, got %d", res.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestKillWithModeGroup(t *testing.T) {
	o := NewOS()
	h, err := o.Spawn(context.Background(), SpawnSpec{Name: "sleeper", Command: "/bin/sleep 60"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !o.IsRunning(h.PID) {
		t.Fatal("expected running")
	}
	if err := o.KillWithMode(h.PID, 9, process.KillModeProcessGroup); err != nil {
		t.Fatalf("KillWithMode: %v", err)
	}
	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for killed child")
	}
}

func TestBuildCommand(t *testing.T) {
	cmd := buildCommand("echo hi", nil)
	if cmd.Path == "/bin/sh" {
		t.Fatalf("plain command should not invoke a shell: %v", cmd.Args)
	}
	cmd = buildCommand("echo hi | wc -l", nil)
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("metacharacters should go through sh -c: %v", cmd.Args)
	}
	cmd = buildCommand("/usr/bin/env", []string{"FOO=1"})
	if len(cmd.Args) != 2 || cmd.Args[1] != "FOO=1" {
		t.Fatalf("explicit args: %v", cmd.Args)
	}
}

func TestFakeExecutorScript(t *testing.T) {
	f := NewFake()
	h, err := f.Spawn(context.Background(), SpawnSpec{Name: "x"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !f.IsRunning(h.PID) {
		t.Fatal("expected running")
	}
	f.TriggerExit(h.PID, 2)
	res := <-h.Done
	if res.Code != 2 {
		t.Fatalf("expected code 2, got %d", res.Code)
	}
	if f.IsRunning(h.PID) {
		t.Fatal("expected not running after exit")
	}
}
