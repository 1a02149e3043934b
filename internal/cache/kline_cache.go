package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"inchart-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// KlineCache keeps the most recent closed klines per pair in a Redis sorted
// set scored by open_time (milliseconds). The set is capped at maxKlines;
// oldest entries are evicted first.
type KlineCache struct {
	client    *redis.Client
	maxKlines int
	logger    *logrus.Logger
}

func NewKlineCache(client *redis.Client, maxKlines int, logger *logrus.Logger) *KlineCache {
	return &KlineCache{
		client:    client,
		maxKlines: maxKlines,
		logger:    logger,
	}
}

func klineKey(symbol, timeframe string) string {
	return fmt.Sprintf("klines:%s:%s", symbol, timeframe)
}

// Upsert adds a closed kline to the pair's sorted set and trims the set back
// to the cap. Entries share the open_time score, so re-adding the same kline
// replaces nothing and duplicates cannot accumulate.
func (c *KlineCache) Upsert(ctx context.Context, kline *models.Kline) error {
	payload := kline.ToPayload()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	key := klineKey(kline.Symbol, kline.Timeframe)
	score := float64(payload.OpenTime)

	if err := c.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to add kline to cache: %w", err)
	}

	count, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache size: %w", err)
	}

	if stop, ok := TrimStopRank(count, int64(c.maxKlines)); ok {
		removed, err := c.client.ZRemRangeByRank(ctx, key, 0, stop).Result()
		if err != nil {
			return fmt.Errorf("failed to trim cache: %w", err)
		}
		c.logger.Debugf("Trimmed %d oldest entries from %s", removed, key)
	}

	return nil
}

// TrimStopRank returns the inclusive stop rank for removing the oldest
// entries of a set of size count so that exactly max remain. The scores are
// ascending open_times, so ranks [0, count-max-1] are the oldest entries.
func TrimStopRank(count, max int64) (int64, bool) {
	if count <= max {
		return 0, false
	}
	return count - max - 1, true
}

// Range returns the cached payloads with open_time in [startMs, endMs],
// ascending. Missing key yields an empty result, not an error.
func (c *KlineCache) Range(ctx context.Context, symbol, timeframe string, startMs, endMs int64) ([]*models.KlinePayload, error) {
	key := klineKey(symbol, timeframe)

	raw, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(startMs, 10),
		Max: strconv.FormatInt(endMs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query cache range: %w", err)
	}

	payloads := make([]*models.KlinePayload, 0, len(raw))
	for _, entry := range raw {
		var payload models.KlinePayload
		if err := json.Unmarshal([]byte(entry), &payload); err != nil {
			c.logger.WithError(err).Warnf("Dropping undecodable cache entry in %s", key)
			continue
		}
		payloads = append(payloads, &payload)
	}

	return payloads, nil
}

// Count returns the number of cached entries for a pair.
func (c *KlineCache) Count(ctx context.Context, symbol, timeframe string) (int64, error) {
	return c.client.ZCard(ctx, klineKey(symbol, timeframe)).Result()
}

// Delete removes a pair's cached set.
func (c *KlineCache) Delete(ctx context.Context, symbol, timeframe string) error {
	return c.client.Del(ctx, klineKey(symbol, timeframe)).Err()
}
