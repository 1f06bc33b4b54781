package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/metrics"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Allocator commits a tick's scheduling decisions in one store transaction
// and publishes the lifecycle events afterwards.
type Allocator struct {
	store         storage.Store
	queue         mq.Queue
	commitTimeout time.Duration
	retries       uint64
}

// NewAllocator builds the allocator.
func NewAllocator(store storage.Store, queue mq.Queue, cfg config.SchedulerConfig) *Allocator {
	retries := cfg.CommitRetries
	if retries < 0 {
		retries = 0
	}
	return &Allocator{
		store:         store,
		queue:         queue,
		commitTimeout: time.Duration(cfg.CommitTimeout),
		retries:       uint64(retries),
	}
}

// Allocate persists the batch. Transient commit failures are retried with
// backoff; a capacity re-check failure means the snapshot went stale and is
// returned without retrying, since replaying the same batch cannot succeed.
// On permanent failure the whole tick is discarded by the caller.
func (a *Allocator) Allocate(ctx context.Context, scalingGroup string, allocs []types.SessionAllocation) error {
	if len(allocs) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, a.commitTimeout)
	defer cancel()

	op := func() error {
		err := a.store.AllocateBatch(allocs, time.Now())
		if err != nil && errors.Is(err, types.ErrInvariantViolation) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.retries), commitCtx)
	if err := backoff.Retry(op, bo); err != nil {
		metrics.CommitFailures.Inc()
		if errors.Is(err, types.ErrInvariantViolation) {
			return err
		}
		return fmt.Errorf("%w: %v", types.ErrAllocatorCommitFailed, err)
	}

	logger := log.WithComponent("allocator")
	for _, sa := range allocs {
		event := mq.SessionEvent{
			SessionID:    sa.SessionID,
			ScalingGroup: scalingGroup,
			OccurredAt:   time.Now().UTC(),
		}
		if err := a.queue.Publish(ctx, mq.TopicSessionScheduled, event.Encode()); err != nil {
			// Delivery is at-least-once, not exactly-once; a lost event
			// here is recovered by the downstream actor's own sweep.
			logger.Warn().Err(err).Str("session_id", sa.SessionID).Msg("failed to publish session.scheduled")
		}
		metrics.SessionsScheduled.WithLabelValues(scalingGroup).Inc()
	}
	return nil
}
