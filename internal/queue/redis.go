package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a two-list queue: pending messages on one list, in-flight
// deliveries parked on a second until acknowledged. A crashed consumer's
// deliveries are re-queued by Redrive.
type RedisQueue struct {
	client  *redis.Client
	pending string
	flight  string
}

func NewRedisQueue(client *redis.Client, name string) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &RedisQueue{
		client:  client,
		pending: "queue:" + name + ":pending",
		flight:  "queue:" + name + ":inflight",
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	if q == nil || q.client == nil {
		return "", fmt.Errorf("queue not initialized")
	}
	if strings.TrimSpace(msg.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	if msg.SchemaVersion == "" {
		msg.SchemaVersion = "1"
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return msg.RunID, nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if q == nil || q.client == nil {
		return nil, fmt.Errorf("queue not initialized")
	}
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.flight, wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison payload: drop it from the in-flight list and surface the error.
		_ = q.client.LRem(ctx, q.flight, 1, raw).Err()
		return nil, fmt.Errorf("decode message: %w", err)
	}
	msg.Receipt = raw
	return &msg, nil
}

func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("queue not initialized")
	}
	removed, err := q.client.LRem(ctx, q.flight, 1, receipt).Result()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if removed == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// Redrive moves every in-flight delivery back to the pending list. Run on
// startup so messages parked by a crashed worker become visible again.
func (q *RedisQueue) Redrive(ctx context.Context) (int, error) {
	if q == nil || q.client == nil {
		return 0, fmt.Errorf("queue not initialized")
	}
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.flight, q.pending).Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redrive: %w", err)
		}
		moved++
	}
}
