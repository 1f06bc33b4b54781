package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

func pendingWorkload(id, user string, priority int, enqueued time.Time) *types.SessionWorkload {
	return &types.SessionWorkload{
		SessionID:  id,
		UserID:     user,
		Priority:   priority,
		EnqueuedAt: enqueued,
		Kernels: []types.KernelSpec{{
			KernelID:       id + "-k1",
			ClusterRole:    "main",
			RequestedSlots: types.MustResourceSlot(map[string]string{"cpu": "1"}),
		}},
	}
}

func sessionIDs(ws []*types.SessionWorkload) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.SessionID
	}
	return out
}

func TestFIFOOrdersByPriorityThenEnqueueTime(t *testing.T) {
	now := time.Now()
	workloads := []*types.SessionWorkload{
		pendingWorkload("s-old", "u1", 10, now.Add(-3*time.Hour)),
		pendingWorkload("s-new", "u1", 10, now.Add(-1*time.Hour)),
		pendingWorkload("s-hot", "u1", 50, now.Add(-1*time.Minute)),
	}

	p, err := NewPrioritizer(types.SchedulerFIFO)
	require.NoError(t, err)
	got := p.Prioritize(&snapshot.SystemSnapshot{}, workloads, now)
	assert.Equal(t, []string{"s-hot", "s-old", "s-new"}, sessionIDs(got))
}

func TestLIFOPrefersNewestWithinPriority(t *testing.T) {
	now := time.Now()
	workloads := []*types.SessionWorkload{
		pendingWorkload("s-old", "u1", 10, now.Add(-3*time.Hour)),
		pendingWorkload("s-new", "u1", 10, now.Add(-1*time.Hour)),
	}

	p, err := NewPrioritizer(types.SchedulerLIFO)
	require.NoError(t, err)
	got := p.Prioritize(&snapshot.SystemSnapshot{}, workloads, now)
	assert.Equal(t, []string{"s-new", "s-old"}, sessionIDs(got))
}

func TestStartsAtDefersWorkloads(t *testing.T) {
	now := time.Now()
	deferred := pendingWorkload("s-later", "u1", 90, now.Add(-time.Hour))
	deferred.StartsAt = now.Add(time.Hour)
	ready := pendingWorkload("s-ready", "u1", 10, now.Add(-time.Minute))

	p, err := NewPrioritizer(types.SchedulerFIFO)
	require.NoError(t, err)
	got := p.Prioritize(&snapshot.SystemSnapshot{}, []*types.SessionWorkload{deferred, ready}, now)
	assert.Equal(t, []string{"s-ready"}, sessionIDs(got))
}

func TestDRFPrefersLeastDominantUser(t *testing.T) {
	now := time.Now()
	snap := &snapshot.SystemSnapshot{
		TotalCapacity: types.MustResourceSlot(map[string]string{"cpu": "10", "mem": "100"}),
		UserOccupancy: map[string]types.ResourceSlot{
			// hungry's dominant share is 8/10 cpu; modest holds 1/10.
			"hungry": types.MustResourceSlot(map[string]string{"cpu": "8", "mem": "10"}),
			"modest": types.MustResourceSlot(map[string]string{"cpu": "1", "mem": "10"}),
		},
	}
	workloads := []*types.SessionWorkload{
		pendingWorkload("s-hungry", "hungry", 10, now.Add(-2*time.Hour)),
		pendingWorkload("s-modest", "modest", 10, now.Add(-1*time.Hour)),
	}

	p, err := NewPrioritizer(types.SchedulerDRF)
	require.NoError(t, err)
	got := p.Prioritize(snap, workloads, now)
	assert.Equal(t, []string{"s-modest", "s-hungry"}, sessionIDs(got))
}

func TestDRFAlternatesBetweenEqualUsers(t *testing.T) {
	now := time.Now()
	snap := &snapshot.SystemSnapshot{
		TotalCapacity: types.MustResourceSlot(map[string]string{"cpu": "100"}),
		UserOccupancy: map[string]types.ResourceSlot{},
	}
	// Two users with no occupancy, two workloads each. Projected demand
	// accounting must interleave them instead of draining one user first.
	workloads := []*types.SessionWorkload{
		pendingWorkload("a1", "alice", 10, now.Add(-4*time.Hour)),
		pendingWorkload("a2", "alice", 10, now.Add(-3*time.Hour)),
		pendingWorkload("b1", "bob", 10, now.Add(-2*time.Hour)),
		pendingWorkload("b2", "bob", 10, now.Add(-1*time.Hour)),
	}

	p, err := NewPrioritizer(types.SchedulerDRF)
	require.NoError(t, err)
	got := sessionIDs(p.Prioritize(snap, workloads, now))
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, got)
}

func TestUnknownSchedulerName(t *testing.T) {
	_, err := NewPrioritizer("wfq")
	assert.Error(t, err)
}
