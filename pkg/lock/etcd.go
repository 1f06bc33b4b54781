package lock

import (
	"context"
	"errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// EtcdLocker serializes ticks through etcd mutexes. The lifetime hint maps
// onto the lease TTL of the per-lock session, so a dead holder fences out
// after at most that long.
type EtcdLocker struct {
	client *clientv3.Client
}

// NewEtcdLocker connects to the etcd cluster.
func NewEtcdLocker(endpoints []string) (*EtcdLocker, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdLocker{client: client}, nil
}

func (l *EtcdLocker) Acquire(ctx context.Context, lockID string, lifetime time.Duration) (Handle, error) {
	ttl := int(lifetime / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	mutex := concurrency.NewMutex(session, "/backendai/locks/"+lockID)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, types.ErrLockBusy
		}
		return nil, err
	}
	return &etcdHandle{session: session, mutex: mutex}, nil
}

func (l *EtcdLocker) Close() error {
	return l.client.Close()
}

type etcdHandle struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (h *etcdHandle) Release(ctx context.Context) error {
	if h.session == nil {
		return nil
	}
	err := h.mutex.Unlock(ctx)
	h.session.Close()
	h.session = nil
	return err
}
