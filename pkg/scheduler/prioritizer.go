package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Prioritizer orders the pending workloads of one scaling group for a tick.
// Implementations are pure: they never mutate the snapshot or the workloads.
type Prioritizer interface {
	Name() types.SchedulerName
	Prioritize(snap *snapshot.SystemSnapshot, workloads []*types.SessionWorkload, now time.Time) []*types.SessionWorkload
}

// NewPrioritizer returns the prioritizer for the configured scheduler name.
func NewPrioritizer(name types.SchedulerName) (Prioritizer, error) {
	switch name {
	case types.SchedulerFIFO, "":
		return fifoPrioritizer{}, nil
	case types.SchedulerLIFO:
		return lifoPrioritizer{}, nil
	case types.SchedulerDRF:
		return drfPrioritizer{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

// eligible filters out workloads deferred by starts_at.
func eligible(workloads []*types.SessionWorkload, now time.Time) []*types.SessionWorkload {
	out := make([]*types.SessionWorkload, 0, len(workloads))
	for _, w := range workloads {
		if !w.StartsAt.IsZero() && w.StartsAt.After(now) {
			continue
		}
		out = append(out, w)
	}
	return out
}

type fifoPrioritizer struct{}

func (fifoPrioritizer) Name() types.SchedulerName { return types.SchedulerFIFO }

func (fifoPrioritizer) Prioritize(_ *snapshot.SystemSnapshot, workloads []*types.SessionWorkload, now time.Time) []*types.SessionWorkload {
	out := eligible(workloads, now)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

type lifoPrioritizer struct{}

func (lifoPrioritizer) Name() types.SchedulerName { return types.SchedulerLIFO }

func (lifoPrioritizer) Prioritize(_ *snapshot.SystemSnapshot, workloads []*types.SessionWorkload, now time.Time) []*types.SessionWorkload {
	out := eligible(workloads, now)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
	})
	return out
}

// drfPrioritizer implements Dominant Resource Fairness per user within one
// scaling group: workloads whose owner has the smallest dominant share go
// first. Shares are computed against the group's total capacity and updated
// as workloads are drained, so two equally hungry users alternate.
type drfPrioritizer struct{}

func (drfPrioritizer) Name() types.SchedulerName { return types.SchedulerDRF }

func (drfPrioritizer) Prioritize(snap *snapshot.SystemSnapshot, workloads []*types.SessionWorkload, now time.Time) []*types.SessionWorkload {
	pending := eligible(workloads, now)
	if len(pending) == 0 {
		return pending
	}

	shares := make(map[string]decimal.Decimal, len(pending))
	for _, w := range pending {
		if _, ok := shares[w.UserID]; !ok {
			shares[w.UserID] = dominantShare(snap.UserOccupancy[w.UserID], snap.TotalCapacity)
		}
	}

	remaining := make([]*types.SessionWorkload, len(pending))
	copy(remaining, pending)
	out := make([]*types.SessionWorkload, 0, len(pending))

	for len(remaining) > 0 {
		best := 0
		for i := 1; i < len(remaining); i++ {
			si, sj := shares[remaining[i].UserID], shares[remaining[best].UserID]
			switch {
			case si.LessThan(sj):
				best = i
			case si.Equal(sj) && remaining[i].EnqueuedAt.Before(remaining[best].EnqueuedAt):
				best = i
			}
		}
		picked := remaining[best]
		out = append(out, picked)
		remaining = append(remaining[:best], remaining[best+1:]...)

		// Account the picked demand so the owner's share reflects it for
		// the rest of the ordering.
		used := snap.UserOccupancy[picked.UserID]
		if used == nil {
			used = types.ResourceSlot{}
		}
		projected := used.Add(picked.RequestedSlots())
		snapUser := shares[picked.UserID]
		if ds := dominantShare(projected, snap.TotalCapacity); ds.GreaterThan(snapUser) {
			shares[picked.UserID] = ds
		}
	}
	return out
}

// dominantShare is max over resource types of used/capacity. Types with zero
// capacity are ignored.
func dominantShare(used, capacity types.ResourceSlot) decimal.Decimal {
	share := decimal.Zero
	for name, total := range capacity {
		if total.IsZero() {
			continue
		}
		s := used.Get(name).Div(total)
		if s.GreaterThan(share) {
			share = s
		}
	}
	return share
}
