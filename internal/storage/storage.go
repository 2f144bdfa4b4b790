// Package storage opens the configured store backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Abdullah1738/juno-vault/internal/store"
	"github.com/Abdullah1738/juno-vault/internal/store/postgres"
	"github.com/Abdullah1738/juno-vault/internal/store/rocksdb"
)

type Config struct {
	Driver string

	DSN    string
	Schema string
	Path   string
}

func Open(ctx context.Context, cfg Config) (store.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = inferDriver(cfg)
	}
	switch driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.Schema)
	case "rocksdb":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage: db path is required for rocksdb")
		}
		return rocksdb.Open(cfg.Path)
	case "mysql":
		return openMySQL(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// inferDriver picks a backend when no driver is configured: a postgres DSN
// scheme selects postgres, anything else falls back to the embedded store.
// MySQL sits behind a build tag and always needs an explicit driver.
func inferDriver(cfg Config) string {
	dsn := strings.TrimSpace(cfg.DSN)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "rocksdb"
}
