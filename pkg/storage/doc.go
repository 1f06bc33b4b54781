/*
Package storage persists the scheduling state in an embedded BoltDB
database.

Entities live in one bucket per kind, keyed by id, encoded as JSON:

	agents          agent id        → types.Agent
	sessions        session id      → types.Session
	kernels         kernel id       → types.Kernel
	policies        level:scope     → types.ResourceSlot
	scaling_groups  group name      → types.SchedulingConfig

All multi-entity mutations run inside a single bbolt update transaction.
bbolt admits one writer at a time, which is what makes AllocateBatch and
ApplyTerminationResults atomic without row locks: a scheduling commit
either lands completely (kernels bound, agent slots raised, session
SCHEDULED) or not at all. Status history is append-only and only ever
extended inside these transactions.

AllocateBatch re-checks agent capacity after applying the slot deltas and
fails with types.ErrInvariantViolation when any agent would exceed its
available slots. That error is not retryable; it signals snapshot skew and
the caller treats it as fatal.
*/
package storage
