package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// FileLocker holds one flock-ed file per lock id under a directory.
// Single-node development backend; the OS drops the lock if the process
// dies, so the lifetime hint is unused.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a file-based locker rooted at dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) Acquire(_ context.Context, lockID string, _ time.Duration) (Handle, error) {
	name := strings.ReplaceAll(lockID, "/", "_") + ".lock"
	fl := flock.New(filepath.Join(l.dir, name))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock %s: %w", lockID, err)
	}
	if !ok {
		return nil, types.ErrLockBusy
	}
	return &fileHandle{fl: fl}, nil
}

func (l *FileLocker) Close() error { return nil }

type fileHandle struct {
	fl *flock.Flock
}

func (h *fileHandle) Release(_ context.Context) error {
	return h.fl.Unlock()
}
