// Package repository implements the durable store on Postgres and the queue
// broker on Redis.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/wire"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/aurea-ops/orchestrator/internal/config"
)

// ProviderSet provides the storage clients and every repository.
var ProviderSet = wire.NewSet(
	NewDB,
	NewRedisClient,
	NewTaskRepository,
	NewRunRepository,
	NewInboxRepository,
	NewOutboxRepository,
	NewBudgetRepository,
	NewCircuitStateRepository,
	NewAPIKeyRepository,
	NewQueueBroker,
)

// sqlExecutor abstracts *sql.DB and *sql.Tx so queries run inside or outside
// a transaction.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSingleRow(ctx context.Context, q sqlExecutor, query string, args []any, dest ...any) error {
	return q.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// withTx runs fn in a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// NewDB opens the Postgres pool and verifies connectivity.
func NewDB(cfg *config.Config) (*sql.DB, func(), error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	cleanup := func() { _ = db.Close() }
	return db, cleanup, nil
}

// NewRedisClient connects the broker's Redis instance.
func NewRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	cleanup := func() { _ = client.Close() }
	return client, cleanup, nil
}
