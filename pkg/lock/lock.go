package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/config"
)

// Handle represents one held lock. Release is idempotent.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker serializes scheduling ticks across replicas. Acquire is
// non-blocking: when another holder exists it returns types.ErrLockBusy
// immediately. The lifetime is a hint; backends that support expiry use it
// to fence out dead holders.
type Locker interface {
	Acquire(ctx context.Context, lockID string, lifetime time.Duration) (Handle, error)
	Close() error
}

// New builds the configured lock backend.
func New(ctx context.Context, cfg config.LockConfig) (Locker, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryLocker(), nil
	case "file":
		return NewFileLocker(cfg.Dir), nil
	case "postgres":
		return NewPostgresLocker(ctx, cfg.PostgresDSN)
	case "etcd":
		return NewEtcdLocker(cfg.EtcdEndpoints)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
