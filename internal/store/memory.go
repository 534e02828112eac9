package store

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/unitd/internal/process"
)

// Memory is the in-memory Store. It is the default backend for embedded use
// and the test double for the repository port.
type Memory struct {
	mu     sync.RWMutex
	byID   map[process.ID]process.Process
	byName map[string]process.ID
}

func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[process.ID]process.Process),
		byName: make(map[string]process.ID),
	}
}

func (m *Memory) EnsureSchema(_ context.Context) error { return nil }

func (m *Memory) FindByID(_ context.Context, id process.ID) (process.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return process.Process{}, process.ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) FindByName(_ context.Context, name string) (process.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return process.Process{}, process.ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *Memory) FindByIDOrName(ctx context.Context, ref string) (process.Process, error) {
	if p, err := m.FindByID(ctx, process.ID(ref)); err == nil {
		return p, nil
	}
	return m.FindByName(ctx, ref)
}

func (m *Memory) FindAll(_ context.Context) ([]process.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]process.Process, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, clone(p))
	}
	return out, nil
}

func (m *Memory) ExistsByName(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byName[name]
	return ok, nil
}

func (m *Memory) Save(_ context.Context, p process.Process) (process.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.byID[p.ID]
	if exists {
		if cur.Version != p.Version {
			return process.Process{}, ErrVersionConflict
		}
		// Name may change on update; keep the index consistent.
		if cur.Name != p.Name {
			delete(m.byName, cur.Name)
		}
	}
	p.Version++
	m.byID[p.ID] = clone(p)
	m.byName[p.Name] = p.ID
	return p, nil
}

func (m *Memory) Delete(_ context.Context, id process.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return process.ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byName, p.Name)
	return nil
}

func (m *Memory) Close() error { return nil }

// clone deep-copies the slices so callers cannot alias stored state.
func clone(p process.Process) process.Process {
	c := p
	c.Args = append([]string(nil), p.Args...)
	c.Env = append([]string(nil), p.Env...)
	c.ExecStartPre = append([]string(nil), p.ExecStartPre...)
	c.ExecStartPost = append([]string(nil), p.ExecStartPost...)
	c.ExecStopPost = append([]string(nil), p.ExecStopPost...)
	c.After = append([]string(nil), p.After...)
	c.Before = append([]string(nil), p.Before...)
	c.Requires = append([]string(nil), p.Requires...)
	c.Wants = append([]string(nil), p.Wants...)
	c.BindsTo = append([]string(nil), p.BindsTo...)
	c.Conflicts = append([]string(nil), p.Conflicts...)
	c.RuntimeDirectory = append([]string(nil), p.RuntimeDirectory...)
	c.AmbientCapabilities = append([]int(nil), p.AmbientCapabilities...)
	c.ConditionPathExists = append([]string(nil), p.ConditionPathExists...)
	c.SuccessExitStatus = append([]int(nil), p.SuccessExitStatus...)
	c.StartAttempts = append([]time.Time(nil), p.StartAttempts...)
	if p.HealthCheck != nil {
		hc := *p.HealthCheck
		c.HealthCheck = &hc
	}
	if p.Limits != nil {
		l := *p.Limits
		c.Limits = &l
	}
	return c
}
