package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store, mq.Queue) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := mq.NewBroker(128, time.Minute)
	t.Cleanup(func() { queue.Close() })

	cfg := config.Default().Scheduler
	cfg.HeartbeatTimeout = config.Duration(50 * time.Millisecond)
	return New(store, queue, snapshot.NewBuilder(store), cfg), store, queue
}

func validSpec() types.SessionSpec {
	return types.SessionSpec{
		Name:         "train-1",
		AccessKey:    "AKIA",
		UserID:       "u1",
		GroupID:      "g1",
		DomainName:   "default",
		SessionType:  types.SessionTypeBatch,
		ClusterMode:  types.ClusterModeSingleNode,
		ClusterSize:  1,
		ScalingGroup: "default",
		Priority:     10,
		Kernels: []types.KernelSpec{{
			ClusterRole:    "main",
			Architecture:   "x86_64",
			Image:          "python:3.11",
			RequestedSlots: types.MustResourceSlot(map[string]string{"cpu": "2"}),
		}},
	}
}

func TestEnqueueSessionPersistsAndWakes(t *testing.T) {
	mgr, store, queue := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wakeups, err := queue.Subscribe(ctx, mq.TopicWakeup, "test", "c1")
	require.NoError(t, err)

	id, err := mgr.EnqueueSession(ctx, validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPending, sess.Status)
	assert.Equal(t, "default", sess.ScalingGroup)
	assert.False(t, sess.EnqueuedAt.IsZero())

	kernels, err := store.ListKernelsBySession(id)
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, types.KernelStatusPending, kernels[0].Status)

	select {
	case msg := <-wakeups:
		event, err := mq.DecodeWakeupEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "default", event.ScalingGroup)
	case <-time.After(time.Second):
		t.Fatal("expected a wakeup event")
	}
}

func TestEnqueueSessionValidation(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*types.SessionSpec)
	}{
		{"missing name", func(s *types.SessionSpec) { s.Name = "" }},
		{"missing access key", func(s *types.SessionSpec) { s.AccessKey = "" }},
		{"missing scaling group", func(s *types.SessionSpec) { s.ScalingGroup = "" }},
		{"no kernels", func(s *types.SessionSpec) { s.Kernels = nil; s.ClusterSize = 0 }},
		{"cluster size mismatch", func(s *types.SessionSpec) { s.ClusterSize = 3 }},
		{"priority out of range", func(s *types.SessionSpec) { s.Priority = 101 }},
		{"unknown session type", func(s *types.SessionSpec) { s.SessionType = "gpu" }},
		{"unknown cluster mode", func(s *types.SessionSpec) { s.ClusterMode = "mesh" }},
		{"zero slots", func(s *types.SessionSpec) {
			s.Kernels[0].RequestedSlots = types.ResourceSlot{}
		}},
		{"no main kernel", func(s *types.SessionSpec) { s.Kernels[0].ClusterRole = "sub-1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			_, err := mgr.EnqueueSession(ctx, spec)
			assert.ErrorIs(t, err, types.ErrInvalidSpec)
		})
	}
}

func TestRequestTerminate(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.EnqueueSession(ctx, validSpec())
	require.NoError(t, err)

	require.NoError(t, mgr.RequestTerminate(ctx, id, ""))
	sess, err := store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusTerminating, sess.Status)

	assert.ErrorIs(t, mgr.RequestTerminate(ctx, "no-such-session", ""), types.ErrNotFound)
}

func TestUpdateSessionPriority(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.EnqueueSession(ctx, validSpec())
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateSessionPriority(ctx, id, 77))
	sess, err := store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 77, sess.Priority)

	assert.ErrorIs(t, mgr.UpdateSessionPriority(ctx, id, 200), types.ErrInvalidSpec)
}

func TestRegisterAgentAndHeartbeat(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	agent := &types.Agent{
		ID:             "a1",
		Address:        "a1:6011",
		Architecture:   "x86_64",
		ScalingGroup:   "default",
		AvailableSlots: types.MustResourceSlot(map[string]string{"cpu": "8"}),
	}
	require.NoError(t, mgr.RegisterAgent(ctx, agent))

	got, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusAlive, got.Status)
	assert.False(t, got.LastHeartbeat.IsZero())

	// A lost agent revives on heartbeat, with updated capacity.
	got.Status = types.AgentStatusLost
	require.NoError(t, store.UpsertAgent(got))
	require.NoError(t, mgr.Heartbeat(ctx, "a1", types.MustResourceSlot(map[string]string{"cpu": "16"})))

	got, err = store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusAlive, got.Status)
	assert.Equal(t, "16", got.AvailableSlots.Get("cpu").String())
}

func TestSweepLostMarksStaleAgents(t *testing.T) {
	mgr, store, _ := newTestManager(t)

	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:            "stale",
		ScalingGroup:  "default",
		Status:        types.AgentStatusAlive,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:            "fresh",
		ScalingGroup:  "default",
		Status:        types.AgentStatusAlive,
		LastHeartbeat: time.Now(),
	}))

	require.NoError(t, mgr.sweepLost())

	stale, err := store.GetAgent("stale")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusLost, stale.Status)

	fresh, err := store.GetAgent("fresh")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusAlive, fresh.Status)
}
