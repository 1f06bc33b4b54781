// Package terminator drives sessions out of the cluster. It sweeps
// TERMINATING sessions, fans destroy calls out to the owning agents, and
// folds the per-kernel outcomes back into the store in one batch. A kernel
// whose destroy fails stays TERMINATING and is retried on the next sweep;
// a session leaves TERMINATING only when its last kernel is gone.
package terminator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lablup/backend.ai-sub022/pkg/agentrpc"
	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/lifecycle"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/metrics"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// AgentClient is the slice of the RPC pool the terminator needs.
type AgentClient interface {
	DestroyKernel(ctx context.Context, addr string, req *agentrpc.DestroyKernelRequest) error
}

// Terminator reconciles TERMINATING sessions down to TERMINATED.
type Terminator struct {
	store    storage.Store
	agents   AgentClient
	queue    mq.Queue
	interval time.Duration
	timeout  time.Duration
	fanout   int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a terminator.
func New(store storage.Store, agents AgentClient, queue mq.Queue, schedCfg config.SchedulerConfig, rpcCfg config.RPCConfig) *Terminator {
	fanout := rpcCfg.FanoutLimit
	if fanout <= 0 {
		fanout = 16
	}
	return &Terminator{
		store:    store,
		agents:   agents,
		queue:    queue,
		interval: time.Duration(schedCfg.TerminationInterval),
		timeout:  time.Duration(rpcCfg.DestroyTimeout),
		fanout:   fanout,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (t *Terminator) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

// Stop stops the loop and waits for the in-flight sweep.
func (t *Terminator) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Terminator) run(ctx context.Context) {
	defer t.wg.Done()
	logger := log.WithComponent("terminator")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				logger.Warn().Err(err).Msg("termination sweep finished with errors")
			}
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// destroyTarget is one kernel the sweep will fan a destroy call out for.
type destroyTarget struct {
	kernel  *types.Kernel
	session *types.Session
}

// Sweep runs one termination pass over every TERMINATING session. Destroy
// calls run concurrently, bounded by the fanout limit; each call carries
// its own timeout so one stuck agent cannot stall the pass. Outcomes are
// applied in one batch write and session.terminated is published once per
// session that became TERMINATED.
func (t *Terminator) Sweep(ctx context.Context) (types.TerminationResult, error) {
	logger := log.WithComponent("terminator")
	var result types.TerminationResult

	sessions, err := t.store.ListSessionsByStatus(types.SessionStatusTerminating)
	if err != nil {
		return result, err
	}
	if len(sessions) == 0 {
		return result, nil
	}

	var targets []destroyTarget
	skippedBySession := make(map[string]int)
	totalBySession := make(map[string]int)
	sessionByID := make(map[string]*types.Session, len(sessions))

	for _, sess := range sessions {
		sessionByID[sess.ID] = sess
		kernels, err := t.store.ListKernelsBySession(sess.ID)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", sess.ID).Msg("kernel listing failed, session deferred")
			continue
		}
		for _, k := range kernels {
			if k.Status == types.KernelStatusTerminated {
				continue
			}
			totalBySession[sess.ID]++
			// A kernel that never reached an agent has nothing to destroy
			// remotely; it is finalized store-side below.
			if k.AgentID == "" || k.ContainerID == "" {
				skippedBySession[sess.ID]++
				continue
			}
			targets = append(targets, destroyTarget{kernel: k, session: sess})
		}
	}

	updates := make([]storage.KernelTerminationUpdate, 0, len(targets))
	var updatesMu sync.Mutex
	var callErrs error

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(t.fanout)
	for _, tgt := range targets {
		tgt := tgt
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(egCtx, t.timeout)
			defer cancel()

			req := &agentrpc.DestroyKernelRequest{
				KernelID:  tgt.kernel.ID,
				SessionID: tgt.session.ID,
				Reason:    tgt.session.StatusInfo,
			}
			err := t.agents.DestroyKernel(callCtx, tgt.kernel.AgentAddress, req)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.DestroyRPCs.WithLabelValues(outcome).Inc()

			update := storage.KernelTerminationUpdate{
				KernelID:  tgt.kernel.ID,
				SessionID: tgt.session.ID,
				Succeeded: err == nil,
				Reason:    lifecycle.ReasonDestroyed,
			}
			if err != nil {
				update.Reason = lifecycle.ReasonDestroyFailed
				update.Info = err.Error()
				klog := log.WithKernelID(tgt.kernel.ID)
				klog.Warn().Err(err).
					Str("agent_id", tgt.kernel.AgentID).
					Msg("kernel destroy failed, will retry next sweep")
			}
			updatesMu.Lock()
			updates = append(updates, update)
			callErrs = multierr.Append(callErrs, err)
			updatesMu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	// A session whose every live kernel was skipped because the agent or
	// container is unknown stays TERMINATING for operator attention.
	for _, sess := range sessions {
		if totalBySession[sess.ID] == 0 {
			continue
		}
		if skippedBySession[sess.ID] == totalBySession[sess.ID] {
			result.Skipped = append(result.Skipped, sess.ID)
		}
	}

	failedSessions := make(map[string]bool)
	for _, u := range updates {
		if !u.Succeeded {
			failedSessions[u.SessionID] = true
		}
	}

	// Finalize skipped-but-progressing kernels: those in sessions where the
	// remote destroys all succeeded (or where every other kernel is already
	// gone but at least one destroy happened).
	for _, sess := range sessions {
		skipped := skippedBySession[sess.ID]
		if skipped == 0 || skipped == totalBySession[sess.ID] {
			continue
		}
		if failedSessions[sess.ID] {
			continue
		}
		kernels, err := t.store.ListKernelsBySession(sess.ID)
		if err != nil {
			continue
		}
		for _, k := range kernels {
			if k.Status == types.KernelStatusTerminated || (k.AgentID != "" && k.ContainerID != "") {
				continue
			}
			updates = append(updates, storage.KernelTerminationUpdate{
				KernelID:  k.ID,
				SessionID: sess.ID,
				Succeeded: true,
				Reason:    lifecycle.ReasonDestroyed,
			})
		}
	}

	if len(updates) > 0 {
		terminated, err := t.store.ApplyTerminationResults(updates, time.Now())
		if err != nil {
			return result, multierr.Append(callErrs, err)
		}
		for _, sid := range terminated {
			result.Terminated = append(result.Terminated, sid)
			metrics.SessionsTerminated.Inc()

			sess := sessionByID[sid]
			event := mq.SessionEvent{
				SessionID:  sid,
				Reason:     lifecycle.ReasonDestroyed,
				OccurredAt: time.Now().UTC(),
			}
			if sess != nil {
				event.ScalingGroup = sess.ScalingGroup
				event.Reason = sess.StatusInfo
			}
			if err := t.queue.Publish(ctx, mq.TopicSessionTerminated, event.Encode()); err != nil {
				logger.Warn().Err(err).Str("session_id", sid).Msg("failed to publish session.terminated")
			}
			// Freed capacity may unblock pending workloads in this group.
			if sess != nil {
				wake := mq.WakeupEvent{ScalingGroup: sess.ScalingGroup, Cause: "session.terminated"}
				if err := t.queue.Publish(ctx, mq.TopicWakeup, wake.Encode()); err != nil {
					logger.Debug().Err(err).Msg("failed to publish wakeup")
				}
			}
		}
	}

	for sid := range failedSessions {
		result.PartiallyFailed = append(result.PartiallyFailed, sid)
	}
	if len(result.Terminated) > 0 || len(result.PartiallyFailed) > 0 {
		logger.Info().
			Int("terminated", len(result.Terminated)).
			Int("failed", len(result.PartiallyFailed)).
			Int("skipped", len(result.Skipped)).
			Msg("termination sweep finished")
	}
	return result, callErrs
}
