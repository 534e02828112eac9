package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

// DB implements store.Store on SQLite (modernc.org/sqlite driver, CGO-free).
// Units are persisted as JSON snapshots with id/name/version columns for
// lookups and the optimistic concurrency check. DSN is a filesystem path;
// use ":memory:" for tests.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS units(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_units_state ON units(state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) FindByID(ctx context.Context, id process.ID) (process.Process, error) {
	return s.findOne(ctx, `SELECT definition FROM units WHERE id=?;`, string(id))
}

func (s *DB) FindByName(ctx context.Context, name string) (process.Process, error) {
	return s.findOne(ctx, `SELECT definition FROM units WHERE name=?;`, name)
}

func (s *DB) FindByIDOrName(ctx context.Context, ref string) (process.Process, error) {
	return s.findOne(ctx, `SELECT definition FROM units WHERE id=? OR name=?;`, ref, ref)
}

func (s *DB) findOne(ctx context.Context, query string, args ...any) (process.Process, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return process.Process{}, process.ErrNotFound
	}
	if err != nil {
		return process.Process{}, err
	}
	var p process.Process
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return process.Process{}, err
	}
	return p, nil
}

func (s *DB) FindAll(ctx context.Context) ([]process.Process, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM units ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []process.Process
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p process.Process
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) ExistsByName(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM units WHERE name=?;`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) Save(ctx context.Context, p process.Process) (process.Process, error) {
	loaded := p.Version
	p.Version++
	raw, err := json.Marshal(p)
	if err != nil {
		return process.Process{}, err
	}
	now := time.Now().UTC()
	if loaded == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO units(id, name, version, state, definition, updated_at)
			VALUES(?, ?, ?, ?, ?, ?);`,
			string(p.ID), p.Name, p.Version, string(p.State), string(raw), now)
		if err != nil {
			// A row already present under this id means a concurrent insert.
			if exists, e2 := s.exists(ctx, p.ID); e2 == nil && exists {
				return process.Process{}, store.ErrVersionConflict
			}
			return process.Process{}, err
		}
		return p, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET name=?, version=?, state=?, definition=?, updated_at=?
		WHERE id=? AND version=?;`,
		p.Name, p.Version, string(p.State), string(raw), now, string(p.ID), loaded)
	if err != nil {
		return process.Process{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return process.Process{}, err
	}
	if n == 0 {
		if exists, e2 := s.exists(ctx, p.ID); e2 == nil && !exists {
			return process.Process{}, process.ErrNotFound
		}
		return process.Process{}, store.ErrVersionConflict
	}
	return p, nil
}

func (s *DB) exists(ctx context.Context, id process.ID) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM units WHERE id=?;`, string(id)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) Delete(ctx context.Context, id process.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id=?;`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return process.ErrNotFound
	}
	return nil
}
