package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// cacheTTL lets stale hints age out on their own; the database remains
// authoritative either way.
const cacheTTL = 24 * time.Hour

// BatchCache is the advisory active-batch hint per (event, scope). It is
// only ever written after a committed rollover and read by lookups; the
// admission transaction never touches it.
type BatchCache struct {
	Client *redis.Client
}

func NewBatchCache(client *redis.Client) *BatchCache {
	return &BatchCache{Client: client}
}

func cacheKey(eventID, scope string) string {
	if scope == "" {
		scope = "event"
	}
	return fmt.Sprintf("active_batch:%s:%s", eventID, scope)
}

func (c *BatchCache) SetActiveBatch(ctx context.Context, eventID, modalityScope, batchID string) error {
	return c.Client.Set(ctx, cacheKey(eventID, modalityScope), batchID, cacheTTL).Err()
}

func (c *BatchCache) ClearActiveBatch(ctx context.Context, eventID, modalityScope string) error {
	return c.Client.Del(ctx, cacheKey(eventID, modalityScope)).Err()
}

// GetActiveBatch returns the hinted batch id for a modality, falling back
// to the event-wide scope. A miss is ("", nil).
func (c *BatchCache) GetActiveBatch(ctx context.Context, eventID, modalityID string) (string, error) {
	for _, key := range []string{cacheKey(eventID, modalityID), cacheKey(eventID, "")} {
		val, err := c.Client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", err
		}
		return val, nil
	}
	return "", nil
}
