package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// ResourceBlock is the unit of agent selection: single-node sessions produce
// one block spanning all kernels, multi-node sessions one block per kernel.
type ResourceBlock struct {
	Architecture    string
	Kernels         []types.KernelSpec
	RequestedSlots  types.ResourceSlot
	DesignatedAgent string
	HasMainKernel   bool
}

// BlocksFor splits a workload into its resource blocks.
func BlocksFor(w *types.SessionWorkload) []ResourceBlock {
	if w.ClusterMode == types.ClusterModeMultiNode {
		blocks := make([]ResourceBlock, 0, len(w.Kernels))
		for _, kern := range w.Kernels {
			blocks = append(blocks, ResourceBlock{
				Architecture:    kern.Architecture,
				Kernels:         []types.KernelSpec{kern},
				RequestedSlots:  kern.RequestedSlots.Clone(),
				DesignatedAgent: kern.DesignatedAgent,
				HasMainKernel:   kern.ClusterRole == "main",
			})
		}
		return blocks
	}

	block := ResourceBlock{RequestedSlots: types.ResourceSlot{}}
	for _, kern := range w.Kernels {
		block.Kernels = append(block.Kernels, kern)
		block.RequestedSlots = block.RequestedSlots.Add(kern.RequestedSlots)
		if block.Architecture == "" {
			block.Architecture = kern.Architecture
		}
		if kern.DesignatedAgent != "" {
			block.DesignatedAgent = kern.DesignatedAgent
		}
		if kern.ClusterRole == "main" {
			block.HasMainKernel = true
		}
	}
	return []ResourceBlock{block}
}

// Selector picks an agent per resource block under one strategy. It is
// constructed at startup and cached per process; the round-robin cursors
// live in memory keyed by (scaling group, architecture).
type Selector struct {
	strategy types.AgentSelectionStrategy

	mu        sync.Mutex
	rrCursors map[string]int
}

// NewSelector validates the strategy name and builds a selector.
func NewSelector(strategy types.AgentSelectionStrategy) (*Selector, error) {
	switch strategy {
	case types.StrategyConcentrated, types.StrategyDispersed,
		types.StrategyRoundRobin, types.StrategyLegacy:
	case "":
		strategy = types.StrategyConcentrated
	default:
		return nil, fmt.Errorf("unknown agent selection strategy %q", strategy)
	}
	return &Selector{strategy: strategy, rrCursors: make(map[string]int)}, nil
}

// Assign selects an agent for every block of the workload, mutating the
// in-tick agent state after each successful pick so later blocks (and later
// workloads) observe it. On failure nothing is mutated.
func (s *Selector) Assign(
	snap *snapshot.SystemSnapshot,
	w *types.SessionWorkload,
	agents []*types.Agent,
	cfg *types.SchedulingConfig,
) (types.SessionAllocation, error) {
	alloc := types.SessionAllocation{SessionID: w.SessionID}

	type mutation struct {
		agent *types.Agent
		block ResourceBlock
	}
	var applied []mutation

	rollback := func() {
		for _, m := range applied {
			m.agent.OccupiedSlots = m.agent.OccupiedSlots.Sub(m.block.RequestedSlots)
			m.agent.ContainerCount -= len(m.block.Kernels)
		}
	}

	for i, block := range BlocksFor(w) {
		agent, reason := s.selectAgent(snap, w, agents, cfg, block)
		if agent == nil {
			rollback()
			return types.SessionAllocation{}, &types.AgentSelectionFailure{
				SessionID:  w.SessionID,
				BlockIndex: i,
				Reason:     reason,
			}
		}

		agent.OccupiedSlots = agent.OccupiedSlots.Add(block.RequestedSlots)
		agent.ContainerCount += len(block.Kernels)
		applied = append(applied, mutation{agent: agent, block: block})

		for _, kern := range block.Kernels {
			alloc.Kernels = append(alloc.Kernels, types.KernelAllocation{
				KernelID:     kern.KernelID,
				AgentID:      agent.ID,
				AgentAddress: agent.Address,
				Slots:        kern.RequestedSlots.Clone(),
			})
		}
	}
	return alloc, nil
}

func (s *Selector) selectAgent(
	snap *snapshot.SystemSnapshot,
	w *types.SessionWorkload,
	agents []*types.Agent,
	cfg *types.SchedulingConfig,
	block ResourceBlock,
) (*types.Agent, string) {
	var candidates []*types.Agent
	for _, a := range agents {
		if block.DesignatedAgent != "" && a.ID != block.DesignatedAgent {
			continue
		}
		if block.Architecture != "" && a.Architecture != block.Architecture {
			continue
		}
		if !block.RequestedSlots.LessOrEqual(a.RemainingSlots()) {
			continue
		}
		if cfg.MaxContainerCount > 0 && a.ContainerCount+len(block.Kernels) > cfg.MaxContainerCount {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, fmt.Sprintf("no agent with arch=%s and free slots %s",
			block.Architecture, block.RequestedSlots)
	}

	// Endpoint replica spreading: prefer agents that do not already host a
	// sibling replica's main kernel; fall back to all candidates when none
	// remain (soft violation).
	if cfg.EnforceSpreadingEndpointReplica && w.EndpointID != "" && block.HasMainKernel {
		siblings := snap.EndpointMainAgents[w.EndpointID]
		if len(siblings) > 0 {
			var spread []*types.Agent
			for _, a := range candidates {
				if !siblings[a.ID] {
					spread = append(spread, a)
				}
			}
			if len(spread) > 0 {
				candidates = spread
			}
		}
	}

	switch s.strategy {
	case types.StrategyRoundRobin:
		return s.pickRoundRobin(candidates, cfg.ScalingGroup, block.Architecture), ""
	case types.StrategyDispersed:
		return pickBest(candidates, dispersedKey(cfg.ResourcePriority, snap.KnownSlotTypes)), ""
	case types.StrategyLegacy:
		return pickBest(candidates, legacyKey(cfg.ResourcePriority, snap.KnownSlotTypes)), ""
	default: // concentrated
		return pickBest(candidates, concentratedKey(cfg.ResourcePriority, snap.KnownSlotTypes)), ""
	}
}

func (s *Selector) pickRoundRobin(candidates []*types.Agent, scalingGroup, arch string) *types.Agent {
	sorted := make([]*types.Agent, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	key := scalingGroup + "/" + arch
	s.mu.Lock()
	cursor := s.rrCursors[key]
	s.rrCursors[key] = cursor + 1
	s.mu.Unlock()

	return sorted[cursor%len(sorted)]
}

// agentKey produces a comparable sort key; pickBest returns the candidate
// whose key compares smallest (ties broken by agent id for determinism).
type agentKey func(a *types.Agent) []decimal.Decimal

func pickBest(candidates []*types.Agent, key agentKey) *types.Agent {
	best := candidates[0]
	bestKey := key(best)
	for _, a := range candidates[1:] {
		k := key(a)
		if c := compareKeys(k, bestKey); c < 0 || (c == 0 && a.ID < best.ID) {
			best, bestKey = a, k
		}
	}
	return best
}

func compareKeys(a, b []decimal.Decimal) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := a[i].Cmp(b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// slotOrder lists slot names with the configured priority first, unlisted
// types after in sorted order (least significant).
func slotOrder(priority, known []string) []string {
	seen := make(map[string]bool, len(priority))
	out := make([]string, 0, len(known))
	for _, name := range priority {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	rest := make([]string, 0, len(known))
	for _, name := range known {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func unusedSlotTypes(a *types.Agent) decimal.Decimal {
	n := 0
	for name, avail := range a.AvailableSlots {
		if !avail.IsZero() && a.OccupiedSlots.Get(name).IsZero() {
			n++
		}
	}
	return decimal.NewFromInt(int64(n))
}

// concentratedKey packs kernels: most containers first, then fewest unused
// slot types, then least remaining capacity in priority order.
func concentratedKey(priority, known []string) agentKey {
	order := slotOrder(priority, known)
	return func(a *types.Agent) []decimal.Decimal {
		key := make([]decimal.Decimal, 0, len(order)+2)
		key = append(key, decimal.NewFromInt(int64(-a.ContainerCount)))
		key = append(key, unusedSlotTypes(a))
		remaining := a.RemainingSlots()
		for _, name := range order {
			key = append(key, remaining.Get(name))
		}
		return key
	}
}

// dispersedKey spreads load: fewest containers first, then fewest unused
// slot types, then most remaining capacity in priority order.
func dispersedKey(priority, known []string) agentKey {
	order := slotOrder(priority, known)
	return func(a *types.Agent) []decimal.Decimal {
		key := make([]decimal.Decimal, 0, len(order)+2)
		key = append(key, decimal.NewFromInt(int64(a.ContainerCount)))
		key = append(key, unusedSlotTypes(a))
		remaining := a.RemainingSlots()
		for _, name := range order {
			key = append(key, remaining.Get(name).Neg())
		}
		return key
	}
}

// legacyKey reproduces the old dispersed behavior that compared raw
// available slots instead of remaining slots.
func legacyKey(priority, known []string) agentKey {
	order := slotOrder(priority, known)
	return func(a *types.Agent) []decimal.Decimal {
		key := make([]decimal.Decimal, 0, len(order)+1)
		key = append(key, unusedSlotTypes(a))
		for _, name := range order {
			key = append(key, a.AvailableSlots.Get(name).Neg())
		}
		return key
	}
}
