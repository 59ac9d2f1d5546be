package backend

import (
	"context"
	"fmt"

	"github.com/dsr1111/toko-auction/internal/database"
	"github.com/dsr1111/toko-auction/internal/embedded"
	"github.com/dsr1111/toko-auction/internal/store"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config selects and locates the item store
type Config struct {
	Driver      string
	PostgresURL string
	SQLitePath  string
}

// Validate checks that the selected driver has what it needs
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for the %s driver", c.Driver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s driver", c.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres, sqlite or memory)", c.Driver)
	}
	return nil
}

// Open connects the configured store and prepares its schema. The returned
// close function releases the connection.
func Open(ctx context.Context, cfg Config) (store.Store, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.Driver {
	case DriverPostgres:
		db, err := database.NewPostgresClient(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return db, db.Close, nil
	case DriverSQLite:
		db, err := embedded.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}
