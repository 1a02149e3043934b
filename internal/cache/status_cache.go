package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inchart-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// StatusCache stores per-pair backfill status blobs with a TTL so that a
// crashed backfill self-clears instead of reporting in_progress forever.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewStatusCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *StatusCache {
	return &StatusCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func statusKey(symbol, timeframe string) string {
	return fmt.Sprintf("backfill_status:%s:%s", symbol, timeframe)
}

// Set writes the pair's backfill status stamped with the current time.
func (c *StatusCache) Set(ctx context.Context, symbol, timeframe, status string) error {
	blob := models.BackfillStatus{
		Status:        status,
		LastUpdatedTS: time.Now().Unix(),
	}

	data, err := json.Marshal(&blob)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, statusKey(symbol, timeframe), data, c.ttl).Err()
}

// Get returns the pair's backfill status, or nil when none is recorded.
func (c *StatusCache) Get(ctx context.Context, symbol, timeframe string) (*models.BackfillStatus, error) {
	data, err := c.client.Get(ctx, statusKey(symbol, timeframe)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backfill status: %w", err)
	}

	var blob models.BackfillStatus
	if err := json.Unmarshal([]byte(data), &blob); err != nil {
		c.logger.WithError(err).Warnf("Undecodable backfill status for %s/%s", symbol, timeframe)
		return nil, nil
	}

	return &blob, nil
}
