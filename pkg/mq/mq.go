package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/config"
)

// Topics the scheduling core publishes on.
const (
	TopicSessionScheduled  = "session.scheduled"
	TopicSessionTerminated = "session.terminated"
	TopicWakeup            = "scheduler.wakeup"
)

// WakeupEvent asks the scheduler to tick one scaling group soon.
type WakeupEvent struct {
	ScalingGroup string `json:"scaling_group"`
	Cause        string `json:"cause,omitempty"`
}

// Encode marshals the wakeup for publishing.
func (e WakeupEvent) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}

// DecodeWakeupEvent parses a wakeup payload.
func DecodeWakeupEvent(payload []byte) (WakeupEvent, error) {
	var e WakeupEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

// Message is one delivered queue entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Queue is the at-least-once message bus the scheduler uses for wakeups and
// lifecycle notifications. Consumer groups share delivery; unacked messages
// idle past the auto-claim threshold are redelivered to a live consumer.
// Scheduling correctness never depends on it.
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic, group, consumer string) (<-chan Message, error)
	Ack(ctx context.Context, topic, group, messageID string) error
	Close() error
}

// SessionEvent is the payload of session lifecycle topics. Handlers must be
// idempotent keyed by SessionID.
type SessionEvent struct {
	SessionID    string    `json:"session_id"`
	ScalingGroup string    `json:"scaling_group"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Encode marshals the event for publishing.
func (e SessionEvent) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}

// DecodeSessionEvent parses a session lifecycle payload.
func DecodeSessionEvent(payload []byte) (SessionEvent, error) {
	var e SessionEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

// New builds the configured queue: redis streams when an address is set,
// the in-process broker otherwise.
func New(cfg config.MQConfig) (Queue, error) {
	if cfg.Addr == "" {
		return NewBroker(cfg.StreamMaxLen, time.Duration(cfg.AutoClaimIdle)), nil
	}
	return NewRedisQueue(cfg)
}
