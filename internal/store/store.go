package store

import (
	"context"
	"errors"

	"github.com/loykin/unitd/internal/process"
)

// ErrVersionConflict is returned by Save when the entity was modified since
// it was loaded. Callers reload and retry or surface the conflict.
var ErrVersionConflict = errors.New("process version conflict")

// Store is the repository port for Process aggregates. It is the single
// source of truth: every mutation is load → mutate by value → Save.
// Save enforces optimistic concurrency on Process.Version and returns the
// entity with the bumped version.
type Store interface {
	EnsureSchema(ctx context.Context) error
	FindByID(ctx context.Context, id process.ID) (process.Process, error)
	FindByName(ctx context.Context, name string) (process.Process, error)
	FindByIDOrName(ctx context.Context, ref string) (process.Process, error)
	FindAll(ctx context.Context) ([]process.Process, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	Save(ctx context.Context, p process.Process) (process.Process, error)
	Delete(ctx context.Context, id process.ID) error
	Close() error
}

// Snapshot builds the name→Process map the pure resolution functions operate
// on.
func Snapshot(ctx context.Context, s Store) (map[string]process.Process, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]process.Process, len(all))
	for _, p := range all {
		m[p.Name] = p
	}
	return m, nil
}
