/*
Package snapshot builds the immutable point-in-time view of one scaling
group that a scheduling tick decides against.

A snapshot bundles the schedulable agents, resource occupancy aggregated
per keypair, user, group and domain, pending queue statistics, stored
policy limits, and the endpoint-to-agent map used for replica spreading.
Occupancy counts the kernels in scheduled, preparing, running and
terminating states; a terminating kernel still holds its slots until the
agent confirms destruction.

The builder retries transient store errors with exponential backoff and
wraps persistent failure in types.ErrSnapshotUnavailable, which callers
treat as "skip this group this cycle" rather than as an error to escalate.
*/
package snapshot
