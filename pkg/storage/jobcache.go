package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentilens/platform/pkg/common/logger"
)

const jobListPrefix = "sentilens:admin:retrain_jobs:"

// JobListCache keeps the admin retrain-jobs snapshot in Redis for a short
// TTL. Entries are keyed by a hash of the caller's token so one admin never
// sees a response fetched with another admin's credentials.
type JobListCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewJobListCache(client redis.UniversalClient, ttl time.Duration) *JobListCache {
	return &JobListCache{client: client, ttl: ttl}
}

// Get returns the cached body for token. A miss is (nil, false, nil).
func (c *JobListCache) Get(ctx context.Context, token string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, JobListKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading job list cache: %w", err)
	}
	return data, true, nil
}

func (c *JobListCache) Set(ctx context.Context, token string, body []byte) error {
	if c.ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, JobListKey(token), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing job list cache: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached snapshot. It is called when a job reaches
// a terminal status.
func (c *JobListCache) InvalidateAll(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, jobListPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scanning job list cache: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("deleting job list cache: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	logger.Log.WithField("removed", removed).Debug("job list cache invalidated")
	return removed, nil
}

// JobListKey derives the cache key for a bearer token.
func JobListKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return jobListPrefix + hex.EncodeToString(sum[:8])
}
