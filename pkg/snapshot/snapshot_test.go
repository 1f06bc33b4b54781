package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

func newTestBuilder(t *testing.T) (*Builder, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewBuilder(store), store
}

func seedSnapshotFixture(t *testing.T, store storage.Store) {
	t.Helper()
	now := time.Now()

	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:             "a1",
		ScalingGroup:   "default",
		Architecture:   "x86_64",
		Status:         types.AgentStatusAlive,
		AvailableSlots: types.MustResourceSlot(map[string]string{"cpu": "8", "mem": "32"}),
		OccupiedSlots:  types.ResourceSlot{},
	}))
	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:             "a2",
		ScalingGroup:   "default",
		Architecture:   "x86_64",
		Status:         types.AgentStatusAlive,
		AvailableSlots: types.MustResourceSlot(map[string]string{"cpu": "8", "cuda.shares": "4"}),
		OccupiedSlots:  types.ResourceSlot{},
	}))
	// Lost agents never enter the snapshot.
	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:             "a3",
		ScalingGroup:   "default",
		Status:         types.AgentStatusLost,
		AvailableSlots: types.MustResourceSlot(map[string]string{"cpu": "64"}),
	}))

	running := &types.Session{
		ID:           "s-run",
		AccessKey:    "AKIA",
		UserID:       "u1",
		GroupID:      "g1",
		DomainName:   "default",
		ScalingGroup: "default",
		SessionType:  types.SessionTypeInteractive,
		ClusterMode:  types.ClusterModeSingleNode,
		ClusterSize:  1,
		Status:       types.SessionStatusRunning,
		EnqueuedAt:   now.Add(-time.Hour),
	}
	runningKernel := &types.Kernel{
		ID:             "s-run-k1",
		SessionID:      "s-run",
		ClusterRole:    "main",
		Architecture:   "x86_64",
		Status:         types.KernelStatusRunning,
		AgentID:        "a1",
		RequestedSlots: types.MustResourceSlot(map[string]string{"cpu": "3"}),
		OccupiedSlots:  types.MustResourceSlot(map[string]string{"cpu": "3"}),
	}
	require.NoError(t, store.CreateSession(running, []*types.Kernel{runningKernel}))

	pending := &types.Session{
		ID:           "s-pend",
		AccessKey:    "AKIA",
		UserID:       "u1",
		GroupID:      "g1",
		DomainName:   "default",
		ScalingGroup: "default",
		SessionType:  types.SessionTypeBatch,
		ClusterMode:  types.ClusterModeSingleNode,
		ClusterSize:  1,
		Status:       types.SessionStatusPending,
		EnqueuedAt:   now,
	}
	pendingKernel := &types.Kernel{
		ID:             "s-pend-k1",
		SessionID:      "s-pend",
		ClusterRole:    "main",
		Architecture:   "x86_64",
		Status:         types.KernelStatusPending,
		RequestedSlots: types.MustResourceSlot(map[string]string{"cpu": "2"}),
	}
	require.NoError(t, store.CreateSession(pending, []*types.Kernel{pendingKernel}))
}

func TestSnapshotAggregatesGroupState(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedSnapshotFixture(t, store)

	snap, err := builder.Snapshot(context.Background(), "default")
	require.NoError(t, err)

	require.Len(t, snap.Agents, 2, "only ALIVE agents enter the snapshot")
	assert.Equal(t, "a1", snap.Agents[0].ID)
	assert.Equal(t, "a2", snap.Agents[1].ID)

	assert.Equal(t, "16", snap.TotalCapacity.Get("cpu").String())
	assert.Equal(t, []string{"cpu", "cuda.shares", "mem"}, snap.KnownSlotTypes)

	// The running kernel charges the keypair/user/group/domain occupancies;
	// the pending one only counts toward the pending load.
	assert.Equal(t, "3", snap.KeypairOccupancy["AKIA"].Get("cpu").String())
	assert.Equal(t, "3", snap.UserOccupancy["u1"].Get("cpu").String())
	assert.Equal(t, "3", snap.DomainOccupancy["default"].Get("cpu").String())
	assert.Equal(t, 1, snap.KeypairSessionCount["AKIA"])
	assert.Equal(t, 1, snap.PendingSessionCount["AKIA"])
	assert.Equal(t, "2", snap.PendingSlots["AKIA"].Get("cpu").String())
}

func TestSnapshotCarriesPrincipalLimits(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedSnapshotFixture(t, store)

	limit := types.MustResourceSlot(map[string]string{"cpu": "10"})
	require.NoError(t, store.SetPrincipalLimit(storage.LevelKeypair, "AKIA", limit))

	snap, err := builder.Snapshot(context.Background(), "default")
	require.NoError(t, err)

	got := snap.Limit(storage.LevelKeypair, "AKIA")
	require.NotNil(t, got)
	assert.Equal(t, "10", got.Get("cpu").String())
	assert.Nil(t, snap.Limit(storage.LevelUser, "u1"), "missing entry means unlimited")
}

// failingLimitStore simulates a store whose policy bucket cannot be read.
type failingLimitStore struct {
	storage.Store
}

func (s *failingLimitStore) GetPrincipalLimit(storage.PrincipalLevel, string) (types.ResourceSlot, error) {
	return nil, errors.New("policy bucket read failed")
}

func TestSnapshotFailsWhenLimitsUnreadable(t *testing.T) {
	_, store := newTestBuilder(t)
	seedSnapshotFixture(t, store)

	builder := NewBuilder(&failingLimitStore{Store: store})
	builder.maxRetries = 0

	_, err := builder.Snapshot(context.Background(), "default")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSnapshotUnavailable,
		"an unreadable limit must fail the snapshot, not lift the quota")
}

func TestCloneAgentsIsolatesMutation(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedSnapshotFixture(t, store)

	snap, err := builder.Snapshot(context.Background(), "default")
	require.NoError(t, err)

	clones := snap.CloneAgents()
	clones[0].OccupiedSlots = clones[0].OccupiedSlots.Add(
		types.MustResourceSlot(map[string]string{"cpu": "4"}))

	assert.True(t, snap.Agents[0].OccupiedSlots.IsZero(),
		"snapshot agents must not observe clone mutation")
}

func TestPendingBuildsOrderedWorkloads(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedSnapshotFixture(t, store)

	pending, err := builder.Pending("default")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	w := pending[0]
	assert.Equal(t, "s-pend", w.SessionID)
	require.Len(t, w.Kernels, 1)
	assert.Equal(t, "main", w.Kernels[0].ClusterRole)

	groups, err := builder.SchedulableGroups()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, groups)
}

func TestConfigFallsBackToDefaults(t *testing.T) {
	builder, store := newTestBuilder(t)

	cfg, err := builder.Config("default")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerFIFO, cfg.Scheduler)
	assert.Equal(t, types.StrategyConcentrated, cfg.Strategy)

	require.NoError(t, store.UpsertScalingGroup(&types.SchedulingConfig{
		ScalingGroup: "default",
		Scheduler:    types.SchedulerDRF,
		Strategy:     types.StrategyDispersed,
	}))
	cfg, err = builder.Config("default")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerDRF, cfg.Scheduler)
}
