package lock

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// PostgresLocker uses session-scoped advisory locks. Each held lock pins one
// pooled connection; losing the connection releases the lock server-side,
// which is the fencing behavior we want from this backend.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker connects the advisory-lock pool.
func NewPostgresLocker(ctx context.Context, dsn string) (*PostgresLocker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresLocker{pool: pool}, nil
}

func (l *PostgresLocker) Acquire(ctx context.Context, lockID string, _ time.Duration) (Handle, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	key := advisoryKey(lockID)
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, err
	}
	if !locked {
		conn.Release()
		return nil, types.ErrLockBusy
	}
	return &pgHandle{conn: conn, key: key}, nil
}

func (l *PostgresLocker) Close() error {
	l.pool.Close()
	return nil
}

// advisoryKey maps a lock id onto the bigint space advisory locks use.
func advisoryKey(lockID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockID))
	return int64(h.Sum64())
}

type pgHandle struct {
	conn *pgxpool.Conn
	key  int64
}

func (h *pgHandle) Release(ctx context.Context) error {
	if h.conn == nil {
		return nil
	}
	_, err := h.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", h.key)
	h.conn.Release()
	h.conn = nil
	return err
}
