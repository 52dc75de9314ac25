// Package postgres provides a shared batch store on PostgreSQL for
// deployments where several engine processes allocate from one inventory.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE of a unique constraint failure
const uniqueViolation = "23505"

// Config holds connection settings
type Config struct {
	URL      string
	MaxConns int32
	// SearchPath pins every connection to one schema; empty keeps the server default.
	SearchPath string
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed repositories.Repository
type Store struct {
	pool *pgxpool.Pool
	q    querier
	tx   pgx.Tx
}

var _ repositories.Repository = (*Store)(nil)

// Open connects a pool and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.HealthCheckPeriod = time.Minute
	if cfg.SearchPath != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.SearchPath
	}

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &Store{pool: pool, q: pool}, nil
}

// Close closes the pool
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// WithTx runs fn inside one pgx transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx repositories.Store) error) error {
	return s.withTx(ctx, func(tx *Store) error { return fn(tx) })
}

// withTx runs fn in a transaction unless s is already transactional
func (s *Store) withTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Store{pool: s.pool, q: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
