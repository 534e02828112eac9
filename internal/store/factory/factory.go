package factory

import (
	"fmt"

	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/store/postgres"
	"github.com/loykin/unitd/internal/store/sqlite"
)

// Config selects the repository backend.
type Config struct {
	Type string `mapstructure:"type"` // memory (default), sqlite, postgres
	DSN  string `mapstructure:"dsn"`  // path for sqlite, connection string for postgres
}

// New builds the configured store. The zero Config yields the in-memory
// backend.
func New(cfg Config) (store.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres", "postgresql":
		return postgres.New(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}
