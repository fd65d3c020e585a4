package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/gridline/scheduler/backend/db/migrations"
)

// DB - ...
type DB struct {
	Pool      *pgxpool.Pool
	ChunkSize int
}

// InitDB - ...
func InitDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, err
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &DB{
		Pool:      pool,
		ChunkSize: chunkSize,
	}, nil
}

// Close - ...
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies embedded schema files that have not been applied yet,
// each in its own transaction, in filename order.
func (db *DB) Migrate(ctx context.Context) error {
	query := `create table if not exists schema_migrations (version text primary key, applied_on timestamptz not null default now())`
	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return err
	}
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		applied, err := db.migrationApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		buff, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(buff)); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
			_, err := tx.Exec(ctx, `insert into schema_migrations (version) values ($1)`, name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrationApplied(ctx context.Context, name string) (bool, error) {
	var exists bool
	query := `select exists (select 1 from schema_migrations where version = $1)`
	err := db.Pool.QueryRow(ctx, query, name).Scan(&exists)
	return exists, err
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error.
func (db *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AdvisoryLock takes the transaction-scoped advisory lock for one
// entity type. Released implicitly at commit or rollback.
func AdvisoryLock(ctx context.Context, tx pgx.Tx, id LockID) error {
	_, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, int64(id))
	return err
}
