package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/log"
)

// RedisQueue implements Queue over redis streams: one stream per topic,
// consumer groups with XAUTOCLAIM for stuck messages, MAXLEN trimming for
// retention.
type RedisQueue struct {
	client *redis.Client
	maxLen int64
	idle   time.Duration
}

// NewRedisQueue connects to redis at cfg.Addr.
func NewRedisQueue(cfg config.MQConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	idle := time.Duration(cfg.AutoClaimIdle)
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &RedisQueue{client: client, maxLen: maxLen, idle: idle}, nil
}

func streamKey(topic string) string {
	return "bai.mq." + topic
}

func (q *RedisQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
}

func (q *RedisQueue) Subscribe(ctx context.Context, topic, group, consumer string) (<-chan Message, error) {
	stream := streamKey(topic)
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	ch := make(chan Message, 64)
	go q.consume(ctx, stream, topic, group, consumer, ch)
	return ch, nil
}

func (q *RedisQueue) consume(ctx context.Context, stream, topic, group, consumer string, ch chan<- Message) {
	logger := log.WithComponent("mq")
	defer close(ch)

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Str("stream", stream).Msg("read group failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		for _, sr := range res {
			for _, xm := range sr.Messages {
				q.forward(ctx, topic, xm, ch)
			}
		}

		// Claim messages a dead consumer left pending.
		if time.Since(lastClaim) >= q.idle {
			lastClaim = time.Now()
			claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  q.idle,
				Start:    "0-0",
				Count:    64,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn().Err(err).Str("stream", stream).Msg("autoclaim failed")
				continue
			}
			for _, xm := range claimed {
				q.forward(ctx, topic, xm, ch)
			}
		}
	}
}

func (q *RedisQueue) forward(ctx context.Context, topic string, xm redis.XMessage, ch chan<- Message) {
	payload, _ := xm.Values["payload"].(string)
	msg := Message{
		ID:        xm.ID,
		Topic:     topic,
		Payload:   []byte(payload),
		Timestamp: time.Now(),
	}
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

func (q *RedisQueue) Ack(ctx context.Context, topic, group, messageID string) error {
	return q.client.XAck(ctx, streamKey(topic), group, messageID).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
