package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisWAL appends checkpoint events to a Redis list per job, matching
// control_plane/idempotency/store.go's use of go-redis as the low-latency
// durability path ahead of the slower consolidated store.
type RedisWAL struct {
	client *redis.Client
}

// NewRedisWAL wraps an existing go-redis client.
func NewRedisWAL(client *redis.Client) *RedisWAL {
	return &RedisWAL{client: client}
}

func walKey(jobID string) string {
	return fmt.Sprintf("crawlforge:checkpoint:wal:%s", jobID)
}

func (r *RedisWAL) Append(ctx context.Context, jobID string, entry WALEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, walKey(jobID), b).Err()
}

func (r *RedisWAL) ReadAll(ctx context.Context, jobID string) ([]WALEntry, error) {
	raw, err := r.client.LRange(ctx, walKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]WALEntry, 0, len(raw))
	for _, s := range raw {
		var e WALEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *RedisWAL) Clear(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, walKey(jobID)).Err()
}
