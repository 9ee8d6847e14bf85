package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// deltaTTL bounds how long a board's hot delta log lives without activity.
const deltaTTL = 24 * time.Hour

// DeltaMessage is the cross-instance fan-out unit: one replicated delta plus
// the instance that first received it, so subscribers can skip their own
// publishes.
type DeltaMessage struct {
	BoardID   string          `json:"boardId"`
	Origin    string          `json:"origin"`
	Delta     json.RawMessage `json:"delta"`
	Timestamp time.Time       `json:"timestamp"`
}

// RedisClient wraps the Redis client for the board delta cache and the
// cross-instance sync channel.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func deltaKey(boardID string) string { return "board:" + boardID + ":deltas" }

func syncChannel(boardID string) string { return "board:" + boardID + ":sync" }

// AppendDelta appends one replicated delta to the board's hot log.
func (r *RedisClient) AppendDelta(ctx context.Context, boardID string, delta json.RawMessage) error {
	key := deltaKey(boardID)

	// RPUSH to append to list
	if err := r.client.RPush(ctx, key, []byte(delta)).Err(); err != nil {
		log.Printf("[Redis] Failed to append delta: %v", err)
		return err
	}

	// Refresh TTL on every write
	r.client.Expire(ctx, key, deltaTTL)

	return nil
}

// GetDeltas retrieves the board's full hot delta log in append order.
func (r *RedisClient) GetDeltas(ctx context.Context, boardID string) ([]json.RawMessage, error) {
	results, err := r.client.LRange(ctx, deltaKey(boardID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	deltas := make([]json.RawMessage, 0, len(results))
	for _, data := range results {
		deltas = append(deltas, json.RawMessage(data))
	}
	return deltas, nil
}

// GetDeltaCount returns the number of hot deltas cached for a board.
func (r *RedisClient) GetDeltaCount(ctx context.Context, boardID string) (int64, error) {
	return r.client.LLen(ctx, deltaKey(boardID)).Result()
}

// TrimDeltas drops every hot delta up to and including index end, called after
// the durable store has compacted them into a snapshot.
func (r *RedisClient) TrimDeltas(ctx context.Context, boardID string, end int64) error {
	return r.client.LTrim(ctx, deltaKey(boardID), end+1, -1).Err()
}

// DeleteBoard removes the board's hot delta log.
func (r *RedisClient) DeleteBoard(ctx context.Context, boardID string) error {
	return r.client.Del(ctx, deltaKey(boardID)).Err()
}

// PublishDelta fans one delta out to every instance serving the board.
func (r *RedisClient) PublishDelta(ctx context.Context, msg *DeltaMessage) error {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, syncChannel(msg.BoardID), data).Err()
}

// SubscribeDeltas subscribes to the board's sync channel and invokes handler
// for every message until the returned stop function is called. Malformed
// messages are dropped.
func (r *RedisClient) SubscribeDeltas(ctx context.Context, boardID string, handler func(*DeltaMessage)) func() {
	pubsub := r.client.Subscribe(ctx, syncChannel(boardID))

	go func() {
		for msg := range pubsub.Channel() {
			var dm DeltaMessage
			if err := json.Unmarshal([]byte(msg.Payload), &dm); err != nil {
				log.Printf("[Redis] Dropping malformed sync message on %s: %v", msg.Channel, err)
				continue
			}
			handler(&dm)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[Redis] Failed to close subscription for board %s: %v", boardID, err)
		}
	}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
