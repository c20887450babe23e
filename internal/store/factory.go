package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adamwdraper/the-narrator/core/config"
	"github.com/adamwdraper/the-narrator/core/db"
)

// Open picks the backend from configuration: no database URL selects the
// memory backend, anything else the relational one.
func Open(ctx context.Context, cfg config.DBConfig) (ThreadStore, error) {
	if !cfg.Enabled() {
		slog.InfoContext(ctx, "using in-memory thread store")
		return NewMemoryStore(), nil
	}

	database, err := db.New(ctx, db.Config{URL: cfg.URL, MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("opening thread database: %w", err)
	}

	slog.InfoContext(ctx, "using relational thread store", "dialect", database.Dialect())
	return NewSQLStore(database), nil
}
