package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// MemoryLocker is a redlock-style lock over an in-process KV: each held lock
// is a (token, expiry) pair and release only succeeds for the owning token.
// Suitable for single-process deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token    string
	expireAt time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, lockID string, lifetime time.Duration) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[lockID]; ok && entry.expireAt.After(now) {
		return nil, types.ErrLockBusy
	}
	token := uuid.New().String()
	l.held[lockID] = memoryEntry{token: token, expireAt: now.Add(lifetime)}
	return &memoryHandle{locker: l, lockID: lockID, token: token}, nil
}

func (l *MemoryLocker) Close() error { return nil }

type memoryHandle struct {
	locker *MemoryLocker
	lockID string
	token  string
}

func (h *memoryHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if entry, ok := h.locker.held[h.lockID]; ok && entry.token == h.token {
		delete(h.locker.held, h.lockID)
	}
	return nil
}
