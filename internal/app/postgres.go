package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/scenario"
)

// openPostgresScenarios connects a pool, migrates the scenario table and
// returns the store with a closer for the pool.
func openPostgresScenarios(ctx context.Context, dsn string, defaults scenario.Rules) (*scenario.PostgresStore, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := scenario.NewPostgresStore(pool, defaults)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() error { pool.Close(); return nil }, nil
}
