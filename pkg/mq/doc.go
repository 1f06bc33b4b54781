/*
Package mq is the message queue carrying scheduler wakeups and session
lifecycle events.

Delivery is at-least-once within a consumer group: one group member
receives each message, must ack it, and messages left pending by a dead
consumer are re-claimed by a live one after an idle threshold. Topics are
trimmed to a bounded length, so the queue is a notification channel, not a
log. Scheduling correctness never depends on it; a lost event is recovered
by the periodic tick or sweep of the consuming component.

Two implementations exist behind the Queue interface: a redis-streams
queue (XADD/XREADGROUP/XAUTOCLAIM) selected when mq.addr is set, and an
in-process broker with the same group semantics for single-binary
deployments and tests.
*/
package mq
