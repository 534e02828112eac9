package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/store"
)

// DB implements store.Store on PostgreSQL via the pgx stdlib driver. Same
// JSON-snapshot layout as the sqlite backend.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS units(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version BIGINT NOT NULL,
			state TEXT NOT NULL,
			definition JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_units_state ON units(state);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) FindByID(ctx context.Context, id process.ID) (process.Process, error) {
	return p.findOne(ctx, `SELECT definition FROM units WHERE id=$1;`, string(id))
}

func (p *DB) FindByName(ctx context.Context, name string) (process.Process, error) {
	return p.findOne(ctx, `SELECT definition FROM units WHERE name=$1;`, name)
}

func (p *DB) FindByIDOrName(ctx context.Context, ref string) (process.Process, error) {
	return p.findOne(ctx, `SELECT definition FROM units WHERE id=$1 OR name=$1;`, ref)
}

func (p *DB) findOne(ctx context.Context, query string, args ...any) (process.Process, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return process.Process{}, process.ErrNotFound
	}
	if err != nil {
		return process.Process{}, err
	}
	var out process.Process
	if err := json.Unmarshal(raw, &out); err != nil {
		return process.Process{}, err
	}
	return out, nil
}

func (p *DB) FindAll(ctx context.Context) ([]process.Process, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT definition FROM units ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []process.Process
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var proc process.Process
		if err := json.Unmarshal(raw, &proc); err != nil {
			return nil, err
		}
		out = append(out, proc)
	}
	return out, rows.Err()
}

func (p *DB) ExistsByName(ctx context.Context, name string) (bool, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM units WHERE name=$1;`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *DB) Save(ctx context.Context, proc process.Process) (process.Process, error) {
	loaded := proc.Version
	proc.Version++
	raw, err := json.Marshal(proc)
	if err != nil {
		return process.Process{}, err
	}
	now := time.Now().UTC()
	if loaded == 0 {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO units(id, name, version, state, definition, updated_at)
			VALUES($1, $2, $3, $4, $5, $6);`,
			string(proc.ID), proc.Name, proc.Version, string(proc.State), raw, now)
		if err != nil {
			if exists, e2 := p.exists(ctx, proc.ID); e2 == nil && exists {
				return process.Process{}, store.ErrVersionConflict
			}
			return process.Process{}, err
		}
		return proc, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE units SET name=$1, version=$2, state=$3, definition=$4, updated_at=$5
		WHERE id=$6 AND version=$7;`,
		proc.Name, proc.Version, string(proc.State), raw, now, string(proc.ID), loaded)
	if err != nil {
		return process.Process{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return process.Process{}, err
	}
	if n == 0 {
		if exists, e2 := p.exists(ctx, proc.ID); e2 == nil && !exists {
			return process.Process{}, process.ErrNotFound
		}
		return process.Process{}, store.ErrVersionConflict
	}
	return proc, nil
}

func (p *DB) exists(ctx context.Context, id process.ID) (bool, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM units WHERE id=$1;`, string(id)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *DB) Delete(ctx context.Context, id process.ID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM units WHERE id=$1;`, string(id))
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
