package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the pgx stdlib driver with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Postgres persists namespaced values in a single table. One row per entity,
// value stored as a JSON blob, updated_at bumped on every write.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS lattice_kv (
	namespace  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS lattice_kv_ns ON lattice_kv (namespace);
`

// NewPostgres opens the database at dsn (DATABASE_URL) and ensures the
// schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("kv store opened", zap.String("backend", "postgres"))
	return &Postgres{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Put upserts a value.
func (p *Postgres) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO lattice_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get retrieves a value. Returns ErrNotFound if absent.
func (p *Postgres) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM lattice_kv WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// List returns all values in a namespace, ordered by key.
func (p *Postgres) List(ctx context.Context, namespace string) ([][]byte, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT value FROM lattice_kv WHERE namespace = $1 ORDER BY key`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// Delete removes a key. Deleting an absent key is not an error.
func (p *Postgres) Delete(ctx context.Context, namespace, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM lattice_kv WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}
