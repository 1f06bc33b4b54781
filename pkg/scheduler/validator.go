package scheduler

import (
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Validator runs the per-workload admission checks against the snapshot.
// A nil result means the workload may be scheduled this tick; a non-nil
// RejectReason keeps it in the queue.
type Validator struct {
	cfg *types.SchedulingConfig
}

// NewValidator builds a validator for one scaling group's config.
func NewValidator(cfg *types.SchedulingConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the checks in a fixed order and short-circuits on the
// first failure.
func (v *Validator) Validate(snap *snapshot.SystemSnapshot, w *types.SessionWorkload) *types.RejectReason {
	if !v.cfg.AllowsSessionType(w.SessionType) {
		return types.Rejectf(types.RejectSessionTypeNotAllowed,
			"session type %s not allowed in scaling group %s", w.SessionType, v.cfg.ScalingGroup)
	}

	requested := w.RequestedSlots()

	levels := []struct {
		level storage.PrincipalLevel
		id    string
		occ   map[string]types.ResourceSlot
		code  types.RejectCode
	}{
		{storage.LevelKeypair, w.AccessKey, snap.KeypairOccupancy, types.RejectKeypairLimit},
		{storage.LevelUser, w.UserID, snap.UserOccupancy, types.RejectUserLimit},
		{storage.LevelGroup, w.GroupID, snap.GroupOccupancy, types.RejectGroupLimit},
		{storage.LevelDomain, w.DomainName, snap.DomainOccupancy, types.RejectDomainLimit},
	}
	for _, l := range levels {
		limit := snap.Limit(l.level, l.id)
		if l.level == storage.LevelKeypair && limit == nil {
			// The keypair ceiling also rides on the workload's policy
			// snapshot when no stored limit exists.
			limit = w.Policy.TotalResourceSlots
		}
		if limit == nil {
			continue
		}
		current := l.occ[l.id]
		if current == nil {
			current = types.ResourceSlot{}
		}
		if !current.Add(requested).LessOrEqual(limit) {
			return types.Rejectf(l.code,
				"%s %s occupancy %s + requested %s exceeds limit %s",
				l.level, l.id, current, requested, limit)
		}
	}

	if max := w.Policy.MaxConcurrentSessions; max > 0 {
		if snap.KeypairSessionCount[w.AccessKey] >= max {
			return types.Rejectf(types.RejectConcurrencyLimit,
				"keypair %s already runs %d sessions (max %d)",
				w.AccessKey, snap.KeypairSessionCount[w.AccessKey], max)
		}
	}

	if max := w.Policy.MaxPendingSessionCount; max > 0 {
		if snap.PendingSessionCount[w.AccessKey] > max {
			return types.Rejectf(types.RejectPendingCountLimit,
				"keypair %s has %d pending sessions (max %d)",
				w.AccessKey, snap.PendingSessionCount[w.AccessKey], max)
		}
	}
	if limit := w.Policy.MaxPendingResourceSlots; limit != nil {
		pending := snap.PendingSlots[w.AccessKey]
		if pending != nil && !pending.LessOrEqual(limit) {
			return types.Rejectf(types.RejectPendingSlotLimit,
				"keypair %s pending slots %s exceed limit %s", w.AccessKey, pending, limit)
		}
	}

	for _, kern := range w.Kernels {
		if kern.DesignatedAgent == "" {
			continue
		}
		if reason := v.checkDesignated(snap, &kern); reason != nil {
			return reason
		}
	}

	// Replica-spreading precheck: recorded, never blocking.
	return nil
}

func (v *Validator) checkDesignated(snap *snapshot.SystemSnapshot, kern *types.KernelSpec) *types.RejectReason {
	for _, a := range snap.Agents {
		if a.ID != kern.DesignatedAgent {
			continue
		}
		if kern.Architecture != "" && a.Architecture != kern.Architecture {
			return types.Rejectf(types.RejectDesignatedAgent,
				"designated agent %s is %s, kernel %s needs %s",
				a.ID, a.Architecture, kern.KernelID, kern.Architecture)
		}
		return nil
	}
	return types.Rejectf(types.RejectDesignatedAgent,
		"designated agent %s is not alive in scaling group %s",
		kern.DesignatedAgent, v.cfg.ScalingGroup)
}
