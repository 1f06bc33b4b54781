/*
Package scheduler implements the scheduling pipeline for pending compute
sessions: ordering, admission, agent selection and transactional commit.

The scheduler is intentionally stateless between ticks. Every decision is
made against an immutable SystemSnapshot taken at the start of the tick, so
a crashed or preempted tick loses nothing: the next tick re-reads the world
and converges to the same decisions.

# Architecture

Each scaling group is scheduled independently. A distributed lock serializes
ticks of the same group across replicas; different groups proceed in
parallel:

	┌──────────────────────────────────────────────────────────┐
	│                 Scheduling Tick (per group)              │
	│        (periodic interval + debounced wakeup events)     │
	└───────────────┬──────────────────────────────────────────┘
	                │  acquire "scheduler.<group>" lock
	                ▼
	┌───────────────────────────┐
	│   Snapshot (pkg/snapshot) │  agents, occupancy, limits
	└───────────────┬───────────┘
	                ▼
	┌───────────────────────────┐
	│  Prioritizer (fifo/lifo/  │  order the pending queue
	│  drf)                     │
	└───────────────┬───────────┘
	                ▼
	┌───────────────────────────┐
	│  Validator                │  policy and quota admission
	└───────────────┬───────────┘
	                ▼
	┌───────────────────────────┐
	│  Selector (concentrated/  │  per-block agent placement
	│  dispersed/roundrobin/    │  against in-tick agent copies
	│  legacy)                  │
	└───────────────┬───────────┘
	                ▼
	┌───────────────────────────┐
	│  Allocator                │  one store transaction, then
	│                           │  session.scheduled events
	└───────────────────────────┘

# Failure Semantics

The tick is the error boundary. A workload that fails admission is recorded
and skipped; a workload with no fitting agent stays PENDING for the next
tick; a commit that keeps failing discards the whole tick. A commit-time
capacity re-check failure also discards only the tick: it means the world
moved between snapshot and commit (an agent heartbeat shrinking capacity,
another actor occupying slots), and the next tick simply starts from a
fresh snapshot.

# Ordering Policies

fifo orders by priority descending, then enqueue time ascending. lifo is
the same with enqueue time descending. drf computes each user's dominant
share (the maximum over slot types of occupied divided by total capacity)
and repeatedly admits a workload of the least-dominant user, accounting
projected demand so equally placed users alternate.

# Placement Strategies

Strategies order candidate agents by a vector of decimal sort keys compared
lexicographically. concentrated packs kernels onto busy agents to keep
large blocks schedulable; dispersed spreads load; roundrobin cycles through
agents per (group, architecture); legacy reproduces the historical
utilization ordering. Inference replicas of one endpoint are additionally
spread across agents by a soft filter that only applies while more than one
candidate remains.
*/
package scheduler
