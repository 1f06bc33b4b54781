// Package manager is the control-plane front door: it accepts session
// enqueue and termination requests, tracks agent liveness, and nudges the
// scheduler through wakeup events. It never makes placement decisions
// itself.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/lifecycle"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Manager accepts workload and agent requests and feeds the scheduler.
type Manager struct {
	store            storage.Store
	queue            mq.Queue
	builder          *snapshot.Builder
	heartbeatTimeout time.Duration

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a manager.
func New(store storage.Store, queue mq.Queue, builder *snapshot.Builder, cfg config.SchedulerConfig) *Manager {
	return &Manager{
		store:            store,
		queue:            queue,
		builder:          builder,
		heartbeatTimeout: time.Duration(cfg.HeartbeatTimeout),
		stopCh:           make(chan struct{}),
	}
}

// Start begins the agent liveness sweep.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop stops the liveness sweep.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// EnqueueSession validates a session spec, persists the session and its
// kernels in PENDING, and wakes the scheduler for the target group. It
// returns the new session id.
func (m *Manager) EnqueueSession(ctx context.Context, spec types.SessionSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:           uuid.New().String(),
		CreationID:   uuid.New().String(),
		Name:         spec.Name,
		AccessKey:    spec.AccessKey,
		UserID:       spec.UserID,
		GroupID:      spec.GroupID,
		DomainName:   spec.DomainName,
		SessionType:  spec.SessionType,
		ClusterMode:  spec.ClusterMode,
		ClusterSize:  spec.ClusterSize,
		ScalingGroup: spec.ScalingGroup,
		Priority:     spec.Priority,
		Status:       types.SessionStatusPending,
		EndpointID:   spec.EndpointID,
		Policy:       spec.Policy,
		StartsAt:     spec.StartsAt,
		EnqueuedAt:   now,
		CreatedAt:    now,
		StatusHistory: []types.StatusEntry{{
			Status:    string(types.SessionStatusPending),
			Timestamp: now,
			Reason:    "session.enqueued",
		}},
	}

	kernels := make([]*types.Kernel, 0, len(spec.Kernels))
	for _, ks := range spec.Kernels {
		id := ks.KernelID
		if id == "" {
			id = uuid.New().String()
		}
		kernels = append(kernels, &types.Kernel{
			ID:              id,
			SessionID:       session.ID,
			ClusterRole:     ks.ClusterRole,
			Architecture:    ks.Architecture,
			Image:           ks.Image,
			Status:          types.KernelStatusPending,
			RequestedSlots:  ks.RequestedSlots.Clone(),
			DesignatedAgent: ks.DesignatedAgent,
			CreatedAt:       now,
			StatusHistory: []types.StatusEntry{{
				Status:    string(types.KernelStatusPending),
				Timestamp: now,
				Reason:    "session.enqueued",
			}},
		})
	}

	if err := m.store.CreateSession(session, kernels); err != nil {
		return "", err
	}
	logger := log.WithSessionID(session.ID)
	logger.Info().
		Str("scaling_group", session.ScalingGroup).
		Int("kernels", len(kernels)).
		Msg("session enqueued")

	m.wake(ctx, spec.ScalingGroup, "session.enqueued")
	return session.ID, nil
}

// RequestTerminate flags a session for destruction. The terminator picks it
// up on its next sweep.
func (m *Manager) RequestTerminate(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = lifecycle.ReasonUserRequested
	}
	if err := m.store.MarkSessionTerminating(sessionID, reason, time.Now().UTC()); err != nil {
		return err
	}
	logger := log.WithSessionID(sessionID)
	logger.Info().Str("reason", reason).Msg("session termination requested")
	return nil
}

// UpdateSessionPriority changes the priority of a still-pending session and
// wakes the scheduler so the new order takes effect immediately.
func (m *Manager) UpdateSessionPriority(ctx context.Context, sessionID string, priority int) error {
	if priority < 0 || priority > 100 {
		return fmt.Errorf("%w: priority %d out of range [0, 100]", types.ErrInvalidSpec, priority)
	}
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateSessionPriority(sessionID, priority); err != nil {
		return err
	}
	m.wake(ctx, session.ScalingGroup, "priority.updated")
	return nil
}

// RegisterAgent adds or revives an agent and wakes its scaling group, since
// new capacity may unblock pending workloads.
func (m *Manager) RegisterAgent(ctx context.Context, agent *types.Agent) error {
	if agent.ID == "" || agent.ScalingGroup == "" {
		return fmt.Errorf("%w: agent id and scaling group are required", types.ErrInvalidSpec)
	}
	now := time.Now().UTC()
	agent.Status = types.AgentStatusAlive
	agent.LastHeartbeat = now
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if err := m.store.UpsertAgent(agent); err != nil {
		return err
	}
	logger := log.WithAgentID(agent.ID)
	logger.Info().Str("scaling_group", agent.ScalingGroup).Msg("agent registered")
	m.wake(ctx, agent.ScalingGroup, "agent.joined")
	return nil
}

// Heartbeat refreshes an agent's liveness and its reported capacity.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, available types.ResourceSlot) error {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	revived := agent.Status == types.AgentStatusLost
	agent.Status = types.AgentStatusAlive
	agent.LastHeartbeat = time.Now().UTC()
	if len(available) > 0 {
		agent.AvailableSlots = available.Clone()
	}
	if err := m.store.UpsertAgent(agent); err != nil {
		return err
	}
	if revived {
		logger := log.WithAgentID(agentID)
		logger.Info().Msg("agent revived")
		m.wake(ctx, agent.ScalingGroup, "agent.revived")
	}
	return nil
}

// DumpSnapshot builds and returns the current scheduling snapshot of one
// scaling group.
func (m *Manager) DumpSnapshot(ctx context.Context, scalingGroup string) (*snapshot.SystemSnapshot, error) {
	return m.builder.Snapshot(ctx, scalingGroup)
}

// sweepLoop marks agents LOST when their heartbeat goes stale. LOST agents
// keep their occupied slots; only ALIVE agents receive new kernels.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	logger := log.WithComponent("manager")

	interval := m.heartbeatTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.sweepLost(); err != nil {
				logger.Warn().Err(err).Msg("agent liveness sweep failed")
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepLost() error {
	agents, err := m.store.ListAgents()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-m.heartbeatTimeout)
	for _, agent := range agents {
		if agent.Status != types.AgentStatusAlive || !agent.LastHeartbeat.Before(cutoff) {
			continue
		}
		agent.Status = types.AgentStatusLost
		if err := m.store.UpsertAgent(agent); err != nil {
			return err
		}
		logger := log.WithAgentID(agent.ID)
		logger.Warn().
			Time("last_heartbeat", agent.LastHeartbeat).
			Msg("agent marked lost")
	}
	return nil
}

func (m *Manager) wake(ctx context.Context, scalingGroup, cause string) {
	event := mq.WakeupEvent{ScalingGroup: scalingGroup, Cause: cause}
	if err := m.queue.Publish(ctx, mq.TopicWakeup, event.Encode()); err != nil {
		logger := log.WithComponent("manager")
		logger.Debug().Err(err).Str("cause", cause).Msg("wakeup publish failed")
	}
}

func validateSpec(spec types.SessionSpec) error {
	switch {
	case spec.Name == "":
		return fmt.Errorf("%w: session name is required", types.ErrInvalidSpec)
	case spec.AccessKey == "":
		return fmt.Errorf("%w: access key is required", types.ErrInvalidSpec)
	case spec.ScalingGroup == "":
		return fmt.Errorf("%w: scaling group is required", types.ErrInvalidSpec)
	case len(spec.Kernels) == 0:
		return fmt.Errorf("%w: at least one kernel is required", types.ErrInvalidSpec)
	case spec.ClusterSize != len(spec.Kernels):
		return fmt.Errorf("%w: cluster size %d does not match %d kernels",
			types.ErrInvalidSpec, spec.ClusterSize, len(spec.Kernels))
	case spec.Priority < 0 || spec.Priority > 100:
		return fmt.Errorf("%w: priority %d out of range [0, 100]", types.ErrInvalidSpec, spec.Priority)
	}

	switch spec.SessionType {
	case types.SessionTypeInteractive, types.SessionTypeBatch, types.SessionTypeInference, types.SessionTypeSystem:
	default:
		return fmt.Errorf("%w: unknown session type %q", types.ErrInvalidSpec, spec.SessionType)
	}
	switch spec.ClusterMode {
	case types.ClusterModeSingleNode, types.ClusterModeMultiNode:
	default:
		return fmt.Errorf("%w: unknown cluster mode %q", types.ErrInvalidSpec, spec.ClusterMode)
	}

	mains := 0
	for i, ks := range spec.Kernels {
		if ks.RequestedSlots.HasNegative() {
			return fmt.Errorf("%w: kernel %d requests negative slots", types.ErrInvalidSpec, i)
		}
		if ks.RequestedSlots.IsZero() {
			return fmt.Errorf("%w: kernel %d requests no resources", types.ErrInvalidSpec, i)
		}
		if ks.Architecture == "" {
			return fmt.Errorf("%w: kernel %d has no architecture", types.ErrInvalidSpec, i)
		}
		if ks.ClusterRole == "main" {
			mains++
		}
	}
	if mains != 1 {
		return fmt.Errorf("%w: exactly one main kernel is required, got %d", types.ErrInvalidSpec, mains)
	}
	return nil
}
