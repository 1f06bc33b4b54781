package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/lock"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/metrics"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Scheduler drives the per-scaling-group scheduling ticks: snapshot,
// prioritize, validate, select, commit. Ticks of one group are serialized
// across replicas by the distributed lock; different groups tick in
// parallel.
type Scheduler struct {
	cfg       config.SchedulerConfig
	builder   *snapshot.Builder
	store     storage.Store
	allocator *Allocator
	locker    lock.Locker
	queue     mq.Queue

	mu           sync.Mutex
	prioritizers map[types.SchedulerName]Prioritizer
	selectors    map[types.AgentSelectionStrategy]*Selector
	debounce     map[string]*time.Timer

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(
	cfg config.SchedulerConfig,
	store storage.Store,
	builder *snapshot.Builder,
	locker lock.Locker,
	queue mq.Queue,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		builder:      builder,
		store:        store,
		allocator:    NewAllocator(store, queue, cfg),
		locker:       locker,
		queue:        queue,
		prioritizers: make(map[types.SchedulerName]Prioritizer),
		selectors:    make(map[types.AgentSelectionStrategy]*Selector),
		debounce:     make(map[string]*time.Timer),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the scheduler loop and the wakeup listener.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.run(ctx)
	go s.listenWakeups(ctx)
}

// Stop stops the scheduler and waits for in-flight ticks. Debounced ticks
// that have not fired yet are cancelled; ones already running are waited on.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		for group, timer := range s.debounce {
			if timer.Stop() {
				s.wg.Done()
			}
			delete(s.debounce, group)
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	logger := log.WithComponent("scheduler")

	ticker := time.NewTicker(time.Duration(s.cfg.TickInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.scheduleAll(ctx); err != nil {
				logger.Warn().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scheduleAll ticks every schedulable scaling group, groups in parallel.
func (s *Scheduler) scheduleAll(ctx context.Context) error {
	groups, err := s.builder.SchedulableGroups()
	if err != nil {
		return fmt.Errorf("list schedulable groups: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			s.ScheduleGroup(egCtx, group)
			return nil
		})
	}
	return eg.Wait()
}

// ScheduleGroup runs exactly one tick for one scaling group. All non-fatal
// errors are absorbed here: the tick boundary is the error boundary.
func (s *Scheduler) ScheduleGroup(ctx context.Context, group string) {
	logger := log.WithScalingGroup(group)

	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TickTimeout))
	defer cancel()

	handle, err := s.locker.Acquire(tickCtx, "scheduler."+group, time.Duration(s.cfg.LockLifetime))
	if err != nil {
		if errors.Is(err, types.ErrLockBusy) {
			metrics.LockContention.WithLabelValues(group).Inc()
			return
		}
		logger.Warn().Err(err).Msg("lock acquisition failed")
		return
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := handle.Release(releaseCtx); err != nil {
			logger.Warn().Err(err).Msg("lock release failed")
		}
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulerTickDuration, group)
	metrics.SchedulerTicks.WithLabelValues(group).Inc()

	snapCtx, snapCancel := context.WithTimeout(tickCtx, time.Duration(s.cfg.SnapshotTimeout))
	snap, err := s.builder.Snapshot(snapCtx, group)
	snapCancel()
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot unavailable, skipping group this cycle")
		return
	}

	cfg, err := s.builder.Config(group)
	if err != nil {
		logger.Warn().Err(err).Msg("scaling group config unavailable")
		return
	}
	pending, err := s.builder.Pending(group)
	if err != nil || len(pending) == 0 {
		return
	}

	prioritizer, err := s.prioritizer(cfg.Scheduler)
	if err != nil {
		logger.Error().Err(err).Msg("bad scheduler config")
		return
	}
	selector, err := s.selector(cfg.Strategy)
	if err != nil {
		logger.Error().Err(err).Msg("bad strategy config")
		return
	}
	validator := NewValidator(cfg)

	now := time.Now()
	ordered := prioritizer.Prioritize(snap, pending, now)
	agents := snap.CloneAgents()

	var allocs []types.SessionAllocation
	for _, w := range ordered {
		if tickCtx.Err() != nil {
			logger.Warn().Msg("tick deadline reached, discarding remaining workloads")
			return
		}

		if reason := validator.Validate(snap, w); reason != nil {
			metrics.AdmissionRejections.WithLabelValues(string(reason.Code)).Inc()
			if err := s.store.RecordAdmissionRejection(w.SessionID, reason, now); err != nil {
				logger.Warn().Err(err).Str("session_id", w.SessionID).Msg("failed to record rejection")
			}
			logger.Debug().Str("session_id", w.SessionID).Str("reason", string(reason.Code)).Msg("workload rejected")
			continue
		}

		alloc, err := selector.Assign(snap, w, agents, cfg)
		if err != nil {
			var asf *types.AgentSelectionFailure
			if errors.As(err, &asf) {
				metrics.SelectionFailures.Inc()
				logger.Debug().Str("session_id", w.SessionID).Str("reason", asf.Reason).Msg("no agent available")
				continue
			}
			logger.Error().Err(err).Str("session_id", w.SessionID).Msg("selection failed")
			continue
		}
		allocs = append(allocs, alloc)
	}

	if len(allocs) == 0 {
		return
	}
	if err := s.allocator.Allocate(tickCtx, group, allocs); err != nil {
		if errors.Is(err, types.ErrInvariantViolation) {
			// Capacity moved under us between snapshot and commit, for
			// example a heartbeat shrinking an agent. The transaction
			// rolled back; the next tick rebuilds from a fresh snapshot.
			logger.Error().Err(err).Int("sessions", len(allocs)).Msg("snapshot skew detected, tick discarded")
			return
		}
		logger.Warn().Err(err).Int("sessions", len(allocs)).Msg("tick discarded on commit failure")
		return
	}
	logger.Info().Int("sessions", len(allocs)).Msg("sessions scheduled")
}

// listenWakeups subscribes to enqueue/heartbeat/lifecycle wakeups and kicks
// debounced per-group ticks.
func (s *Scheduler) listenWakeups(ctx context.Context) {
	defer s.wg.Done()
	logger := log.WithComponent("scheduler")

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	consumer := "scheduler-" + uuid.New().String()[:8]
	ch, err := s.queue.Subscribe(subCtx, mq.TopicWakeup, "schedulers", consumer)
	if err != nil {
		logger.Warn().Err(err).Msg("wakeup subscription failed, relying on tick interval only")
		return
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := mq.DecodeWakeupEvent(msg.Payload)
			if err == nil && event.ScalingGroup != "" {
				s.kick(ctx, event.ScalingGroup)
			}
			if err := s.queue.Ack(subCtx, mq.TopicWakeup, "schedulers", msg.ID); err != nil {
				logger.Debug().Err(err).Msg("wakeup ack failed")
			}
		case <-subCtx.Done():
			return
		}
	}
}

// kick schedules a debounced tick for one group: rapid wakeups collapse
// into at most one tick per debounce window.
func (s *Scheduler) kick(ctx context.Context, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return
	default:
	}
	if _, pending := s.debounce[group]; pending {
		return
	}
	s.wg.Add(1)
	s.debounce[group] = time.AfterFunc(time.Duration(s.cfg.WakeupDebounce), func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.debounce, group)
		s.mu.Unlock()

		select {
		case <-s.stopCh:
			return
		default:
		}
		s.ScheduleGroup(ctx, group)
	})
}

// prioritizer returns the cached prioritizer for a scheduler name.
func (s *Scheduler) prioritizer(name types.SchedulerName) (Prioritizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prioritizers[name]; ok {
		return p, nil
	}
	p, err := NewPrioritizer(name)
	if err != nil {
		return nil, err
	}
	s.prioritizers[name] = p
	return p, nil
}

// selector returns the cached selector for a strategy, preserving its
// round-robin cursors across ticks.
func (s *Scheduler) selector(strategy types.AgentSelectionStrategy) (*Selector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel, ok := s.selectors[strategy]; ok {
		return sel, nil
	}
	sel, err := NewSelector(strategy)
	if err != nil {
		return nil, err
	}
	s.selectors[strategy] = sel
	return sel, nil
}
