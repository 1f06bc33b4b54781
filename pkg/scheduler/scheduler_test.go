package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/lifecycle"
	"github.com/lablup/backend.ai-sub022/pkg/lock"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

type schedHarness struct {
	sched  *Scheduler
	store  storage.Store
	locker lock.Locker
	queue  mq.Queue
}

func newSchedHarness(t *testing.T) *schedHarness {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := mq.NewBroker(128, time.Minute)
	t.Cleanup(func() { queue.Close() })

	locker := lock.NewMemoryLocker()
	builder := snapshot.NewBuilder(store)
	return &schedHarness{
		sched:  New(config.Default().Scheduler, store, builder, locker, queue),
		store:  store,
		locker: locker,
		queue:  queue,
	}
}

func seedAliveAgent(t *testing.T, store storage.Store, id, cpu string) {
	t.Helper()
	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:             id,
		Address:        id + ":6011",
		Architecture:   "x86_64",
		ScalingGroup:   "default",
		Status:         types.AgentStatusAlive,
		AvailableSlots: types.MustResourceSlot(map[string]string{"cpu": cpu}),
		OccupiedSlots:  types.ResourceSlot{},
		LastHeartbeat:  time.Now(),
	}))
}

func seedPendingWorkload(t *testing.T, store storage.Store, sessionID, cpu string) {
	t.Helper()
	sess := &types.Session{
		ID:           sessionID,
		AccessKey:    "AKIA",
		UserID:       "u1",
		GroupID:      "g1",
		DomainName:   "default",
		ScalingGroup: "default",
		SessionType:  types.SessionTypeInteractive,
		ClusterMode:  types.ClusterModeSingleNode,
		ClusterSize:  1,
		Status:       types.SessionStatusPending,
		EnqueuedAt:   time.Now(),
	}
	kern := &types.Kernel{
		ID:             sessionID + "-k1",
		SessionID:      sessionID,
		ClusterRole:    "main",
		Architecture:   "x86_64",
		Status:         types.KernelStatusPending,
		RequestedSlots: types.MustResourceSlot(map[string]string{"cpu": cpu}),
	}
	require.NoError(t, store.CreateSession(sess, []*types.Kernel{kern}))
}

func TestScheduleGroupPlacesPendingSession(t *testing.T) {
	h := newSchedHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.queue.Subscribe(ctx, mq.TopicSessionScheduled, "test", "c1")
	require.NoError(t, err)

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "2")

	h.sched.ScheduleGroup(ctx, "default")

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusScheduled, sess.Status)

	kernels, err := h.store.ListKernelsBySession("s1")
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, types.KernelStatusScheduled, kernels[0].Status)
	assert.Equal(t, "a1", kernels[0].AgentID)

	agent, err := h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "2", agent.OccupiedSlots.Get("cpu").String())

	select {
	case msg := <-events:
		event, err := mq.DecodeSessionEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "s1", event.SessionID)
		assert.Equal(t, "default", event.ScalingGroup)
	case <-time.After(time.Second):
		t.Fatal("expected a session.scheduled event")
	}

	// A second tick finds no pending work and must not disturb the placement.
	h.sched.ScheduleGroup(ctx, "default")
	agent, err = h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "2", agent.OccupiedSlots.Get("cpu").String())
}

func TestScheduleGroupDrainsQueueInOneTick(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	for i := 1; i <= 3; i++ {
		seedPendingWorkload(t, h.store, fmt.Sprintf("s%d", i), "2")
	}

	h.sched.ScheduleGroup(ctx, "default")

	for i := 1; i <= 3; i++ {
		sess, err := h.store.GetSession(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, types.SessionStatusScheduled, sess.Status)
	}
	agent, err := h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "6", agent.OccupiedSlots.Get("cpu").String())
}

func TestScheduleGroupLeavesOversizedSessionPending(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "4")
	seedPendingWorkload(t, h.store, "s1", "16")

	h.sched.ScheduleGroup(ctx, "default")

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)

	agent, err := h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.True(t, agent.OccupiedSlots.IsZero())
}

func TestScheduleGroupSkipsWhenLockBusy(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "2")

	// Another replica holds the group's lock; this tick must yield.
	handle, err := h.locker.Acquire(ctx, "scheduler.default", time.Minute)
	require.NoError(t, err)

	h.sched.ScheduleGroup(ctx, "default")

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)

	// Once released, the next tick proceeds.
	require.NoError(t, handle.Release(ctx))
	h.sched.ScheduleGroup(ctx, "default")
	sess, err = h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusScheduled, sess.Status)
}

// skewStore shrinks an agent's capacity just before the commit, modeling a
// heartbeat landing between the snapshot read and the allocation write.
type skewStore struct {
	storage.Store
	agentID string
	shrink  types.ResourceSlot
}

func (s *skewStore) AllocateBatch(allocs []types.SessionAllocation, now time.Time) error {
	agent, err := s.Store.GetAgent(s.agentID)
	if err != nil {
		return err
	}
	agent.AvailableSlots = s.shrink
	if err := s.Store.UpsertAgent(agent); err != nil {
		return err
	}
	return s.Store.AllocateBatch(allocs, now)
}

func TestScheduleGroupDiscardsTickOnSnapshotSkew(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "4")

	store := &skewStore{
		Store:   h.store,
		agentID: "a1",
		shrink:  types.MustResourceSlot(map[string]string{"cpu": "2"}),
	}
	sched := New(config.Default().Scheduler, store, snapshot.NewBuilder(h.store), h.locker, h.queue)

	// The commit sees less capacity than the snapshot promised; the tick is
	// dropped and the scheduler lives on to retry from fresh state.
	sched.ScheduleGroup(ctx, "default")

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)

	agent, err := h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.True(t, agent.OccupiedSlots.IsZero(), "rolled-back commit must not occupy slots")

	kernels, err := h.store.ListKernelsBySession("s1")
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, types.KernelStatusPending, kernels[0].Status)
}

func TestScheduleGroupRecordsQuotaRejection(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "4")
	require.NoError(t, h.store.SetPrincipalLimit(storage.LevelKeypair, "AKIA",
		types.MustResourceSlot(map[string]string{"cpu": "2"})))

	h.sched.ScheduleGroup(ctx, "default")

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)
	assert.Equal(t, string(types.RejectKeypairLimit), sess.StatusInfo)
	require.NotEmpty(t, sess.StatusHistory)
	last := sess.StatusHistory[len(sess.StatusHistory)-1]
	assert.Equal(t, lifecycle.ReasonAdmissionRejected, last.Reason)
	assert.Contains(t, last.Info, "keypair")

	agent, err := h.store.GetAgent("a1")
	require.NoError(t, err)
	assert.True(t, agent.OccupiedSlots.IsZero(), "rejected workload must not touch agents")
}

func TestStopCancelsPendingDebouncedTick(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "2")

	cfg := config.Default().Scheduler
	cfg.WakeupDebounce = config.Duration(time.Hour)
	sched := New(cfg, h.store, snapshot.NewBuilder(h.store), h.locker, h.queue)

	sched.kick(ctx, "default")

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a debounced tick that never fired")
	}

	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)

	// Kicks after Stop are ignored.
	sched.kick(ctx, "default")
}

func TestKickRunsDebouncedTick(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "2")

	cfg := config.Default().Scheduler
	cfg.WakeupDebounce = config.Duration(5 * time.Millisecond)
	sched := New(cfg, h.store, snapshot.NewBuilder(h.store), h.locker, h.queue)

	sched.kick(ctx, "default")
	assert.Eventually(t, func() bool {
		sess, err := h.store.GetSession("s1")
		return err == nil && sess.Status == types.SessionStatusScheduled
	}, time.Second, 10*time.Millisecond)

	// Stop returns only after the debounced tick has finished.
	sched.Stop()
}

func TestScheduleGroupHonorsStoredGroupConfig(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertScalingGroup(&types.SchedulingConfig{
		ScalingGroup:        "default",
		Scheduler:           types.SchedulerFIFO,
		Strategy:            types.StrategyDispersed,
		AllowedSessionTypes: []string{"batch"},
	}))
	seedAliveAgent(t, h.store, "a1", "8")
	seedPendingWorkload(t, h.store, "s1", "2") // interactive

	h.sched.ScheduleGroup(ctx, "default")

	// The group only admits batch sessions; the interactive one stays queued.
	sess, err := h.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)
}
