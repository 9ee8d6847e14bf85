package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-realtime/internal/model"
)

// recordTTL bounds how long a session stays listed without a presence update.
// Cursor traffic refreshes it constantly while the session is alive.
const recordTTL = 60 * time.Second

// Record is one session's occupancy entry, visible across server instances.
type Record struct {
	SessionID string         `json:"sessionId"`
	BoardID   string         `json:"boardId"`
	User      model.Identity `json:"user"`
	ServerID  string         `json:"serverId"`
	LastSeen  int64          `json:"lastSeen"` // unix seconds
}

// Registry tracks which sessions are on which board across instances. Entries
// expire on their own, so a crashed instance leaks nothing permanent.
type Registry struct {
	client *redis.Client
}

// NewRegistry connects a registry to Redis.
func NewRegistry(addr string, password string, db int) *Registry {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Registry{client: rdb}
}

func sessionKey(sessionID string) string {
	return "presence:session:" + sessionID
}

func boardKey(boardID string) string {
	return "presence:board:" + boardID
}

// Set writes or refreshes a session's record.
func (r *Registry) Set(ctx context.Context, rec Record) error {
	rec.LastSeen = time.Now().Unix()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, sessionKey(rec.SessionID), data, recordTTL).Err(); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, boardKey(rec.BoardID), rec.SessionID).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, boardKey(rec.BoardID), recordTTL).Err()
}

// Heartbeat extends a record's TTL without rewriting it.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	ok, err := r.client.Expire(ctx, sessionKey(sessionID), recordTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s not found (expired)", sessionID)
	}
	return nil
}

// Remove drops a session's record on disconnect.
func (r *Registry) Remove(ctx context.Context, boardID, sessionID string) error {
	if err := r.client.SRem(ctx, boardKey(boardID), sessionID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}

// BoardSessions lists the live records for a board, pruning expired members
// from the index as it goes.
func (r *Registry) BoardSessions(ctx context.Context, boardID string) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, boardKey(boardID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(results))
	for i, result := range results {
		if result == nil {
			// Expired record, drop the dangling index entry.
			r.client.SRem(ctx, boardKey(boardID), ids[i])
			continue
		}
		strVal, ok := result.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(strVal), &rec); err == nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Close closes the underlying connection.
func (r *Registry) Close() error {
	return r.client.Close()
}
