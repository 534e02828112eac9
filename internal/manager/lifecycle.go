package manager

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/process"
)

// launch spawns the child and promotes the process to Running. It runs the
// ExecStartPre hooks, enforces the runtime_success window, registers the
// watcher and health monitor for this run, and finally runs ExecStartPost.
func (m *Manager) launch(ctx context.Context, p *process.Process, opts StartOptions) (int, error) {
	m.runHooks(ctx, p, "exec_start_pre", p.ExecStartPre)

	spec := executor.SpawnSpec{
		Name:        p.Name,
		Command:     p.Command,
		Args:        p.Args,
		Env:         p.Env,
		WorkDir:     p.WorkDir,
		PIDFile:     p.PIDFile,
		Log:         executor.LogConfig{Dir: m.cfg.LogDir},
		SocketFiles: opts.SocketFiles,
		SocketNames: opts.SocketNames,
		Limits:      p.Limits,
		AmbientCaps: p.AmbientCapabilities,
	}
	h, err := m.exec.Spawn(ctx, spec)
	if err != nil {
		return 0, err
	}

	// runtime_success: the child must stay up this long before the start is
	// considered successful. timeout_start caps the wait.
	if wait := successWindow(p); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case res := <-h.Done:
			t.Stop()
			removePIDFile(p.PIDFile)
			return 0, fmt.Errorf("process %s exited during startup with code %d", p.Name, res.Code)
		case <-t.C:
		}
	}

	if err := p.MarkRunning(h.PID); err != nil {
		// Should not happen from Starting; kill the orphan rather than leak it.
		_ = m.exec.KillWithMode(h.PID, sigKILL, p.KillMode)
		return 0, err
	}
	p.RunCount++
	saved, err := m.st.Save(ctx, *p)
	if err != nil {
		return 0, err
	}
	*p = saved

	rh := &runHandle{pid: h.PID, exited: make(chan struct{})}
	m.registerRun(p.ID, rh)
	m.wg.Add(1)
	go m.watch(p.ID, p.Name, rh, h.Done)

	if p.HealthCheck != nil && m.checker != nil {
		mctx, cancel := context.WithCancel(m.baseCtx)
		m.registerMonitor(p.ID, cancel)
		mon := health.NewMonitor(m.st, m.checker, m.exec, m.log)
		m.wg.Add(1)
		go func(id process.ID) {
			defer m.wg.Done()
			mon.Run(mctx, id)
		}(p.ID)
	}

	m.runHooks(ctx, p, "exec_start_post", p.ExecStartPost)
	return h.PID, nil
}

// successWindow returns how long launch must watch for an early exit.
func successWindow(p *process.Process) time.Duration {
	if p.RuntimeSuccess <= 0 {
		return 0
	}
	if p.TimeoutStart > 0 && p.TimeoutStart < p.RuntimeSuccess {
		return p.TimeoutStart
	}
	return p.RuntimeSuccess
}

// runHooks executes lifecycle hook command lines. Hook failures never abort
// the operation; they are logged and counted only.
func (m *Manager) runHooks(ctx context.Context, p *process.Process, phase string, commands []string) {
	for _, cmd := range commands {
		if err := m.exec.RunCommand(ctx, cmd, p.Env, p.WorkDir); err != nil {
			m.log.Warn("lifecycle hook failed",
				"process", p.Name, "phase", phase, "command", cmd, "error", err)
		}
	}
}

// createRuntimeDirs materializes runtime_directory entries under RuntimeRoot
// and applies the optional owner.
func (m *Manager) createRuntimeDirs(p process.Process) error {
	for _, d := range p.RuntimeDirectory {
		path := filepath.Join(m.cfg.RuntimeRoot, d)
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("create runtime directory %s: %w", path, err)
		}
		if p.RuntimeDirOwner != "" {
			if err := chownTo(path, p.RuntimeDirOwner); err != nil {
				m.log.Warn("runtime directory chown failed",
					"process", p.Name, "path", path, "owner", p.RuntimeDirOwner, "error", err)
			}
		}
	}
	return nil
}

// removeRuntimeDirs tears down runtime_directory entries after a stop.
func (m *Manager) removeRuntimeDirs(p process.Process) {
	for _, d := range p.RuntimeDirectory {
		path := filepath.Join(m.cfg.RuntimeRoot, d)
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("runtime directory removal failed", "process", p.Name, "path", path, "error", err)
		}
	}
}

func chownTo(path, owner string) error {
	u, err := user.Lookup(owner)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
