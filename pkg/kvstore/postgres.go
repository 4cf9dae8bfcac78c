package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"wylloh/pkg/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps entries in a single key/value table.
type PostgresStore struct {
	db    *sqlx.DB
	table string
}

// PoolOptions configures the postgres connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConnectPostgres opens a pooled connection.
func ConnectPostgres(ctx context.Context, connString string, pool PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return db, nil
}

// NewPostgresStore wraps db. The table name is validated since it is
// interpolated into statements.
func NewPostgresStore(db *sqlx.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = "kv_entries"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", models.ErrInvalidInput, table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// EnsureSchema creates the backing table if needed.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, p.table)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table)
	err := sqlx.GetContext(ctx, p.db, &value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	if err := p.upsert(ctx, p.db, key, value); err != nil {
		return fmt.Errorf("postgres put %q: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := p.remove(ctx, p.db, key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}

// Apply runs the batch in one transaction.
func (p *PostgresStore) Apply(ctx context.Context, mutations []Mutation) error {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, m := range mutations {
		if m.Delete {
			err = p.remove(ctx, tx, m.Key)
		} else {
			err = p.upsert(ctx, tx, m.Key, m.Value)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres apply %q: %w", m.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) upsert(ctx context.Context, exec sqlx.ExecerContext, key string, value []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, p.table)
	_, err := exec.ExecContext(ctx, query, key, value)
	return err
}

func (p *PostgresStore) remove(ctx context.Context, exec sqlx.ExecerContext, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table)
	_, err := exec.ExecContext(ctx, query, key)
	return err
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
