package mq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBrokerPublishSubscribeAck(t *testing.T) {
	b := NewBroker(128, time.Minute)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, TopicWakeup, "schedulers", "c1")
	require.NoError(t, err)

	event := WakeupEvent{ScalingGroup: "default", Cause: "session.enqueued"}
	require.NoError(t, b.Publish(ctx, TopicWakeup, event.Encode()))

	msg := recvMessage(t, ch)
	got, err := DecodeWakeupEvent(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "default", got.ScalingGroup)
	require.NoError(t, b.Ack(ctx, TopicWakeup, "schedulers", msg.ID))
}

func TestBrokerGroupDeliversToOneConsumer(t *testing.T) {
	b := NewBroker(128, time.Minute)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := b.Subscribe(ctx, TopicSessionScheduled, "workers", "c1")
	require.NoError(t, err)
	ch2, err := b.Subscribe(ctx, TopicSessionScheduled, "workers", "c2")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, TopicSessionScheduled, []byte(fmt.Sprintf("m%d", i))))
	}

	// Each message lands on exactly one of the group's consumers.
	received := 0
	deadline := time.After(time.Second)
	for received < 4 {
		select {
		case <-ch1:
			received++
		case <-ch2:
			received++
		case <-deadline:
			t.Fatalf("received only %d of 4 messages", received)
		}
	}
	select {
	case <-ch1:
		t.Fatal("duplicate delivery within a group")
	case <-ch2:
		t.Fatal("duplicate delivery within a group")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerIndependentGroupsEachReceive(t *testing.T) {
	b := NewBroker(128, time.Minute)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA, err := b.Subscribe(ctx, TopicSessionTerminated, "group-a", "c1")
	require.NoError(t, err)
	chB, err := b.Subscribe(ctx, TopicSessionTerminated, "group-b", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicSessionTerminated, []byte("payload")))

	assert.Equal(t, "payload", string(recvMessage(t, chA).Payload))
	assert.Equal(t, "payload", string(recvMessage(t, chB).Payload))
}

func TestBrokerReplaysBacklogToNewGroup(t *testing.T) {
	b := NewBroker(128, time.Minute)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, TopicSessionScheduled, []byte("early")))

	ch, err := b.Subscribe(ctx, TopicSessionScheduled, "late-group", "c1")
	require.NoError(t, err)
	assert.Equal(t, "early", string(recvMessage(t, ch).Payload))
}

func TestBrokerTrimsRetention(t *testing.T) {
	b := NewBroker(2, time.Minute)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, TopicWakeup, []byte(fmt.Sprintf("m%d", i))))
	}

	// A late group only sees the retained tail.
	ch, err := b.Subscribe(ctx, TopicWakeup, "late", "c1")
	require.NoError(t, err)
	assert.Equal(t, "m3", string(recvMessage(t, ch).Payload))
	assert.Equal(t, "m4", string(recvMessage(t, ch).Payload))
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q past the retention window", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerReclaimsUnackedMessages(t *testing.T) {
	b := NewBroker(128, 60*time.Millisecond)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, TopicWakeup, "schedulers", "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicWakeup, []byte("retry-me")))
	first := recvMessage(t, ch)
	assert.Equal(t, "retry-me", string(first.Payload))

	// Not acked: the reclaim loop redelivers after the idle threshold.
	second := recvMessage(t, ch)
	assert.Equal(t, first.ID, second.ID)

	// After ack it stays quiet.
	require.NoError(t, b.Ack(ctx, TopicWakeup, "schedulers", second.ID))
	select {
	case <-ch:
		t.Fatal("message redelivered after ack")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBrokerClosedRejectsPublish(t *testing.T) {
	b := NewBroker(128, time.Minute)
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), TopicWakeup, []byte("x")))
}
