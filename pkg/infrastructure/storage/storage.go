// Package storage opens the batch store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	"github.com/vsinha/batchalloc/pkg/infrastructure/config"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/memory"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/postgres"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/sqlite"
)

// Open returns the store named by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig) (repositories.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Debug("Using in-memory store")
		return memory.NewBatchStore(), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		logger.Debug("Using sqlite store", zap.String("path", cfg.SQLitePath))
		return store, nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, postgres.Config{URL: cfg.PostgresURL, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
