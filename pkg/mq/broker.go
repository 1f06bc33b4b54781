package mq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Broker is the in-process Queue used for single-node deployments and
// tests. Each topic retains the last maxLen messages for late-joining
// groups; each group tracks unacked deliveries and reclaims them after the
// idle threshold.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*memTopic
	maxLen  int64
	idle    time.Duration
	nextID  int64
	stopCh  chan struct{}
	stopped bool
}

type memTopic struct {
	entries []Message
	groups  map[string]*memGroup
}

type memGroup struct {
	delivered map[string]bool
	pending   map[string]*pendingEntry
	subs      []chan Message
	nextSub   int
}

type pendingEntry struct {
	msg         Message
	deliveredAt time.Time
}

// NewBroker creates an in-process broker and starts its reclaim loop.
func NewBroker(maxLen int64, idle time.Duration) *Broker {
	if maxLen <= 0 {
		maxLen = 1024
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	b := &Broker{
		topics: make(map[string]*memTopic),
		maxLen: maxLen,
		idle:   idle,
		stopCh: make(chan struct{}),
	}
	go b.reclaimLoop()
	return b
}

func (b *Broker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) group(t *memTopic, name string) *memGroup {
	g, ok := t.groups[name]
	if !ok {
		g = &memGroup{
			delivered: make(map[string]bool),
			pending:   make(map[string]*pendingEntry),
		}
		t.groups[name] = g
	}
	return g
}

// Publish appends the message, trims the topic, and fans it out to every
// consumer group.
func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return fmt.Errorf("broker closed")
	}

	b.nextID++
	msg := Message{
		ID:        fmt.Sprintf("%d-0", b.nextID),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	t := b.topic(topic)
	t.entries = append(t.entries, msg)
	if int64(len(t.entries)) > b.maxLen {
		t.entries = t.entries[int64(len(t.entries))-b.maxLen:]
	}

	for _, g := range t.groups {
		b.deliverLocked(g, msg)
	}
	return nil
}

// deliverLocked hands the message to one subscriber of the group. The
// message stays pending until acked; a full subscriber buffer just leaves
// it for the reclaim loop.
func (b *Broker) deliverLocked(g *memGroup, msg Message) {
	g.delivered[msg.ID] = true
	g.pending[msg.ID] = &pendingEntry{msg: msg, deliveredAt: time.Now()}
	if len(g.subs) == 0 {
		return
	}
	sub := g.subs[g.nextSub%len(g.subs)]
	g.nextSub++
	select {
	case sub <- msg:
	default:
	}
}

// Subscribe joins (or creates) a consumer group on the topic. A new group
// replays the retained backlog.
func (b *Broker) Subscribe(ctx context.Context, topic, group, _ string) (<-chan Message, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed")
	}

	t := b.topic(topic)
	g, existed := t.groups[group], true
	if g == nil {
		existed = false
		g = b.group(t, group)
	}

	ch := make(chan Message, 64)
	g.subs = append(g.subs, ch)

	if !existed {
		for _, msg := range t.entries {
			b.deliverLocked(g, msg)
		}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range g.subs {
			if sub == ch {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

// Ack marks one delivered message as processed.
func (b *Broker) Ack(_ context.Context, topic, group, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		if g, ok := t.groups[group]; ok {
			delete(g.pending, messageID)
		}
	}
	return nil
}

// reclaimLoop redelivers pending messages whose consumers went quiet.
func (b *Broker) reclaimLoop() {
	ticker := time.NewTicker(b.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reclaim()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) reclaim() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, t := range b.topics {
		for _, g := range t.groups {
			for _, entry := range g.pending {
				if now.Sub(entry.deliveredAt) < b.idle || len(g.subs) == 0 {
					continue
				}
				entry.deliveredAt = now
				sub := g.subs[g.nextSub%len(g.subs)]
				g.nextSub++
				select {
				case sub <- entry.msg:
				default:
				}
			}
		}
	}
}

// Close stops the reclaim loop. Subscriber channels stay open; callers
// cancel their subscription contexts.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.stopCh)
	}
	return nil
}
