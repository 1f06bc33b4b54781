/*
Package lock provides the distributed lock that serializes scheduling ticks
of one scaling group across scheduler replicas.

Acquire is non-blocking: a busy lock returns types.ErrLockBusy immediately
and the caller skips the tick rather than queueing behind it. Every
acquisition carries a lifetime after which the lock may be considered
abandoned, so a crashed holder cannot wedge a scaling group forever.

Four backends implement the same Locker interface:

	memory    process-local table with expiry; single-replica and tests
	file      flock(2) lock files in a shared directory; single host
	postgres  pg_try_advisory_lock on a pooled connection
	etcd      etcd concurrency mutex with a session TTL

The backend is chosen by configuration (lock.backend, or the LOCK_BACKEND
environment variable) and is invisible to callers.
*/
package lock
