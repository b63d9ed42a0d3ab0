package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockID is the pg_advisory_lock key that serializes selections
// across every process sharing the database.
const advisoryLockID int64 = 0x73746b72 // "stkr"

// Compile-time checks that PostgresLedger implements Ledger and Locker.
var (
	_ Ledger = (*PostgresLedger)(nil)
	_ Locker = (*PostgresLedger)(nil)
)

// PostgresLedger stores combinations in a Postgres table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresLedger constructs a ledger over an existing pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *slog.Logger) *PostgresLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLedger{pool: pool, logger: logger}
}

// NewPool opens a pgx connection pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger table if it does not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS asset_combinations (
	combo_key  TEXT PRIMARY KEY,
	asset_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// Contains reports whether the combination has been registered. Query
// failures are logged and reported as "not contained".
func (l *PostgresLedger) Contains(ctx context.Context, ids []string) (bool, error) {
	key := Key(ids)
	if key == "" {
		return false, nil
	}

	var exists bool
	err := l.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM asset_combinations WHERE combo_key = $1);
`, key).Scan(&exists)
	if err != nil {
		l.logger.Warn("ledger lookup failed, treating as unused",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return exists, nil
}

// Register inserts the combination; existing rows are left untouched.
func (l *PostgresLedger) Register(ctx context.Context, ids []string) error {
	key := Key(ids)
	if key == "" {
		return nil
	}

	_, err := l.pool.Exec(ctx, `
INSERT INTO asset_combinations (combo_key, asset_count)
VALUES ($1, $2)
ON CONFLICT (combo_key) DO NOTHING;
`, key, strings.Count(key, ",")+1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Lock takes a session-level advisory lock on a dedicated connection. The
// connection is returned to the pool on unlock.
func (l *PostgresLedger) Lock(ctx context.Context) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1);`, advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("take ledger lock: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1);`, advisoryLockID); err != nil {
			l.logger.Warn("release ledger lock", slog.String("error", err.Error()))
			// a session lock dies with its connection
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
