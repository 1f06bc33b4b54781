package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lablup/backend.ai-sub022/pkg/lifecycle"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// SystemSnapshot is a consistent read of one scaling group's state, taken at
// the start of a scheduling tick and discarded at its end. It is immutable;
// the scheduler works on copies.
type SystemSnapshot struct {
	ScalingGroup string
	TakenAt      time.Time

	// Agents are ALIVE agents of the group, sorted by id.
	Agents []*types.Agent

	// Per-principal committed occupancies (kernels in occupying states).
	KeypairOccupancy map[string]types.ResourceSlot
	UserOccupancy    map[string]types.ResourceSlot
	GroupOccupancy   map[string]types.ResourceSlot
	DomainOccupancy  map[string]types.ResourceSlot

	// KeypairSessionCount counts non-terminal, non-pending sessions per
	// keypair, for the concurrency check.
	KeypairSessionCount map[string]int

	// PendingSessionCount / PendingSlots track the still-queued load per
	// keypair, for the pending-limit checks.
	PendingSessionCount map[string]int
	PendingSlots        map[string]types.ResourceSlot

	// Limits per principal level; a missing entry means unlimited.
	Limits map[storage.PrincipalLevel]map[string]types.ResourceSlot

	// EndpointMainAgents maps an inference endpoint id to the agents that
	// already host a replica's main kernel, for the spreading filter.
	EndpointMainAgents map[string]map[string]bool

	// TotalCapacity is the summed available slots of the group's ALIVE
	// agents; the DRF denominator.
	TotalCapacity types.ResourceSlot

	// KnownSlotTypes is the union of slot names reported by the agents.
	KnownSlotTypes []string
}

// Limit returns the configured ceiling for one principal, or nil when the
// principal is unlimited.
func (s *SystemSnapshot) Limit(level storage.PrincipalLevel, id string) types.ResourceSlot {
	if byID, ok := s.Limits[level]; ok {
		return byID[id]
	}
	return nil
}

// CloneAgents returns deep copies of the snapshot agents for in-tick
// mutation by the selector.
func (s *SystemSnapshot) CloneAgents() []*types.Agent {
	out := make([]*types.Agent, len(s.Agents))
	for i, a := range s.Agents {
		c := *a
		c.AvailableSlots = a.AvailableSlots.Clone()
		c.OccupiedSlots = a.OccupiedSlots.Clone()
		out[i] = &c
	}
	return out
}

// Builder materializes snapshots and pending queues from the store.
type Builder struct {
	store      storage.Store
	maxRetries uint64
}

// NewBuilder creates a snapshot builder. Store reads are retried a bounded
// number of times before the snapshot is declared unavailable.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store, maxRetries: 3}
}

// Snapshot builds the immutable snapshot for one scaling group.
func (b *Builder) Snapshot(ctx context.Context, scalingGroup string) (*SystemSnapshot, error) {
	var snap *SystemSnapshot
	op := func() error {
		var err error
		snap, err = b.build(scalingGroup)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSnapshotUnavailable, err)
	}
	return snap, nil
}

func (b *Builder) build(scalingGroup string) (*SystemSnapshot, error) {
	agents, err := b.store.ListAgentsByGroup(scalingGroup, types.AgentStatusAlive)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	sessions, err := b.store.ListSessions()
	if err != nil {
		return nil, err
	}
	kernels, err := b.store.ListKernels()
	if err != nil {
		return nil, err
	}

	snap := &SystemSnapshot{
		ScalingGroup:        scalingGroup,
		TakenAt:             time.Now(),
		Agents:              agents,
		KeypairOccupancy:    map[string]types.ResourceSlot{},
		UserOccupancy:       map[string]types.ResourceSlot{},
		GroupOccupancy:      map[string]types.ResourceSlot{},
		DomainOccupancy:     map[string]types.ResourceSlot{},
		KeypairSessionCount: map[string]int{},
		PendingSessionCount: map[string]int{},
		PendingSlots:        map[string]types.ResourceSlot{},
		Limits:              map[storage.PrincipalLevel]map[string]types.ResourceSlot{},
		EndpointMainAgents:  map[string]map[string]bool{},
		TotalCapacity:       types.ResourceSlot{},
	}

	slotTypes := map[string]bool{}
	for _, a := range agents {
		snap.TotalCapacity = snap.TotalCapacity.Add(a.AvailableSlots)
		for name := range a.AvailableSlots {
			slotTypes[name] = true
		}
	}
	snap.KnownSlotTypes = make([]string, 0, len(slotTypes))
	for name := range slotTypes {
		snap.KnownSlotTypes = append(snap.KnownSlotTypes, name)
	}
	sort.Strings(snap.KnownSlotTypes)

	sessByID := make(map[string]*types.Session, len(sessions))
	for _, sess := range sessions {
		sessByID[sess.ID] = sess
		switch sess.Status {
		case types.SessionStatusPending:
			snap.PendingSessionCount[sess.AccessKey]++
		case types.SessionStatusTerminated, types.SessionStatusError:
		default:
			snap.KeypairSessionCount[sess.AccessKey]++
		}
	}

	addOcc := func(m map[string]types.ResourceSlot, key string, slots types.ResourceSlot) {
		if key == "" {
			return
		}
		cur, ok := m[key]
		if !ok {
			cur = types.ResourceSlot{}
		}
		m[key] = cur.Add(slots)
	}

	for _, kern := range kernels {
		sess, ok := sessByID[kern.SessionID]
		if !ok {
			continue
		}
		if kern.Status == types.KernelStatusPending && sess.Status == types.SessionStatusPending {
			addOcc(snap.PendingSlots, sess.AccessKey, kern.RequestedSlots)
			continue
		}
		if !lifecycle.OccupyingKernelStatus(kern.Status) {
			continue
		}
		addOcc(snap.KeypairOccupancy, sess.AccessKey, kern.OccupiedSlots)
		addOcc(snap.UserOccupancy, sess.UserID, kern.OccupiedSlots)
		addOcc(snap.GroupOccupancy, sess.GroupID, kern.OccupiedSlots)
		addOcc(snap.DomainOccupancy, sess.DomainName, kern.OccupiedSlots)

		if sess.EndpointID != "" && kern.ClusterRole == "main" && kern.AgentID != "" {
			if snap.EndpointMainAgents[sess.EndpointID] == nil {
				snap.EndpointMainAgents[sess.EndpointID] = map[string]bool{}
			}
			snap.EndpointMainAgents[sess.EndpointID][kern.AgentID] = true
		}
	}

	if err := b.loadLimits(snap, sessions); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Builder) loadLimits(snap *SystemSnapshot, sessions []*types.Session) error {
	want := map[storage.PrincipalLevel]map[string]bool{
		storage.LevelKeypair: {},
		storage.LevelUser:    {},
		storage.LevelGroup:   {},
		storage.LevelDomain:  {},
	}
	for _, sess := range sessions {
		want[storage.LevelKeypair][sess.AccessKey] = true
		want[storage.LevelUser][sess.UserID] = true
		want[storage.LevelGroup][sess.GroupID] = true
		want[storage.LevelDomain][sess.DomainName] = true
	}
	for level, ids := range want {
		snap.Limits[level] = map[string]types.ResourceSlot{}
		for id := range ids {
			if id == "" {
				continue
			}
			limit, err := b.store.GetPrincipalLimit(level, id)
			if errors.Is(err, types.ErrNotFound) {
				continue // unlimited
			}
			if err != nil {
				return fmt.Errorf("load %s limit for %s: %w", level, id, err)
			}
			snap.Limits[level][id] = limit
		}
	}
	return nil
}

// Pending returns the scaling group's pending workloads. Ordering is
// unspecified; the prioritizer re-orders.
func (b *Builder) Pending(scalingGroup string) ([]*types.SessionWorkload, error) {
	sessions, err := b.store.ListSessionsByStatus(types.SessionStatusPending)
	if err != nil {
		return nil, err
	}
	var out []*types.SessionWorkload
	for _, sess := range sessions {
		if sess.ScalingGroup != scalingGroup {
			continue
		}
		kernels, err := b.store.ListKernelsBySession(sess.ID)
		if err != nil {
			return nil, err
		}
		w := &types.SessionWorkload{
			SessionID:    sess.ID,
			AccessKey:    sess.AccessKey,
			UserID:       sess.UserID,
			GroupID:      sess.GroupID,
			DomainName:   sess.DomainName,
			SessionType:  sess.SessionType,
			ClusterMode:  sess.ClusterMode,
			ClusterSize:  sess.ClusterSize,
			ScalingGroup: sess.ScalingGroup,
			Priority:     sess.Priority,
			EndpointID:   sess.EndpointID,
			StartsAt:     sess.StartsAt,
			EnqueuedAt:   sess.EnqueuedAt,
			Policy:       sess.Policy,
		}
		for _, kern := range kernels {
			w.Kernels = append(w.Kernels, types.KernelSpec{
				KernelID:        kern.ID,
				ClusterRole:     kern.ClusterRole,
				Architecture:    kern.Architecture,
				Image:           kern.Image,
				RequestedSlots:  kern.RequestedSlots,
				DesignatedAgent: kern.DesignatedAgent,
			})
		}
		sort.Slice(w.Kernels, func(i, j int) bool { return w.Kernels[i].ClusterRole < w.Kernels[j].ClusterRole })
		out = append(out, w)
	}
	return out, nil
}

// SchedulableGroups returns the scaling groups with at least one pending
// session.
func (b *Builder) SchedulableGroups() ([]string, error) {
	sessions, err := b.store.ListSessionsByStatus(types.SessionStatusPending)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, sess := range sessions {
		if !seen[sess.ScalingGroup] {
			seen[sess.ScalingGroup] = true
			out = append(out, sess.ScalingGroup)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Config loads the scaling group's scheduler configuration, falling back to
// FIFO + concentrated defaults when the group has no stored config.
func (b *Builder) Config(scalingGroup string) (*types.SchedulingConfig, error) {
	cfg, err := b.store.GetScalingGroup(scalingGroup)
	if err != nil {
		return &types.SchedulingConfig{
			ScalingGroup: scalingGroup,
			Scheduler:    types.SchedulerFIFO,
			Strategy:     types.StrategyConcentrated,
		}, nil
	}
	return cfg, nil
}
