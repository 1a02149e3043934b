package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"inchart-market/internal/metrics"
	"inchart-market/internal/models"

	"github.com/sirupsen/logrus"
)

// CacheReader is the hot tier: recent closed klines by open-time range.
type CacheReader interface {
	Range(ctx context.Context, symbol, timeframe string, startMs, endMs int64) ([]*models.KlinePayload, error)
}

// StoreReader is the durable tier.
type StoreReader interface {
	GetKlines(ctx context.Context, symbol, timeframe string, startTime, endTime time.Time, limit int, newestFirst bool) ([]models.Kline, error)
}

// StatusReader exposes per-pair backfill progress.
type StatusReader interface {
	Get(ctx context.Context, symbol, timeframe string) (*models.BackfillStatus, error)
}

// Options bound query sizes and define when the cache tier is consulted.
type Options struct {
	DefaultLimit   int
	MaxLimit       int
	RecentLookback time.Duration
	StaleAfter     time.Duration
	// CacheWindow is the cache's per-pair capacity; the cache read is widened
	// to span the whole window the cache could possibly hold.
	CacheWindow int
}

// Request is one kline query. Nil Start/End leave that bound open.
type Request struct {
	Symbol    string
	Timeframe string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// Result carries the merged klines plus the pair's backfill status, so a
// client can tell an empty range from a range still being filled.
type Result struct {
	Klines         []*models.KlinePayload `json:"klines"`
	BackfillStatus string                 `json:"backfill_status,omitempty"`
}

// Service answers kline queries by merging the Redis cache with the durable
// store. The cache is only consulted when the requested window reaches into
// the recent past; older windows go straight to the store.
type Service struct {
	cache  CacheReader
	store  StoreReader
	status StatusReader
	opts   Options
	logger *logrus.Logger

	now func() time.Time
}

func NewService(cache CacheReader, store StoreReader, status StatusReader, opts Options, logger *logrus.Logger) *Service {
	return &Service{
		cache:  cache,
		store:  store,
		status: status,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// GetKlines serves one query. The result is ascending by open time, unique
// per open time, and at most limit entries; with no explicit start the
// newest klines in range win the trim.
func (s *Service) GetKlines(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	defer metrics.TrackLatency(started, metrics.QueryLatency)

	if req.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval := models.TimeframeToDuration(req.Timeframe)
	if interval == 0 {
		return nil, fmt.Errorf("unknown timeframe %q", req.Timeframe)
	}
	if req.Start != nil && req.End != nil && req.End.Before(*req.Start) {
		return nil, fmt.Errorf("end must not precede start")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}

	now := s.now().UTC()
	effectiveEnd := now
	if req.End != nil {
		effectiveEnd = req.End.UTC()
	}

	// Without a lower bound the newest klines in range take precedence
	newestFirst := req.Start == nil

	cached, cacheStart, err := s.cacheTier(ctx, req, interval, now, effectiveEnd)
	if err != nil {
		// The durable store can still answer; degrade instead of failing
		s.logger.WithError(err).Warnf("Cache tier failed for %s/%s, falling back to store", req.Symbol, req.Timeframe)
		cached = nil
	}

	merged := cached
	source := "cache"

	if !s.cacheSatisfies(cached, req, limit, cacheStart) {
		stored, err := s.storeTier(ctx, req, cached, limit, effectiveEnd, newestFirst)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			source = "store"
			if len(cached) > 0 {
				source = "merged"
			}
		}
		merged = append(merged, stored...)
	}

	metrics.QueryRequests.WithLabelValues(source).Inc()

	klines := finalize(merged, req, limit, newestFirst)

	result := &Result{Klines: klines}
	if blob, err := s.status.Get(ctx, req.Symbol, req.Timeframe); err != nil {
		s.logger.WithError(err).Warnf("Failed to read backfill status for %s/%s", req.Symbol, req.Timeframe)
	} else if blob != nil {
		result.BackfillStatus = blob.Effective(now, s.opts.StaleAfter)
	}

	return result, nil
}

// cacheTier reads the hot tier when the window reaches into the recent past.
// The lower bound is widened to the full span the cache could hold so entries
// just outside a naive boundary are not missed; finalize re-applies the true
// start. The widened bound is returned so the caller can tell whether the
// read covered the requested range.
func (s *Service) cacheTier(ctx context.Context, req Request, interval time.Duration, now, effectiveEnd time.Time) ([]*models.KlinePayload, time.Time, error) {
	if effectiveEnd.Before(now.Add(-s.opts.RecentLookback)) {
		return nil, time.Time{}, nil
	}

	widened := effectiveEnd.Add(-time.Duration(s.opts.CacheWindow)*interval - s.opts.RecentLookback)
	if req.Start != nil && req.Start.After(widened) {
		widened = req.Start.UTC()
	}

	cached, err := s.cache.Range(ctx, req.Symbol, req.Timeframe, widened.UnixMilli(), effectiveEnd.UnixMilli())
	if err != nil {
		return nil, widened, err
	}

	if req.Start != nil {
		startMs := req.Start.UnixMilli()
		filtered := cached[:0]
		for _, p := range cached {
			if p.OpenTime >= startMs {
				filtered = append(filtered, p)
			}
		}
		cached = filtered
	}

	return cached, widened, nil
}

// cacheSatisfies reports whether the store tier can be skipped: the cache
// filled the limit and its read window reached back to the requested start.
func (s *Service) cacheSatisfies(cached []*models.KlinePayload, req Request, limit int, cacheStart time.Time) bool {
	if len(cached) < limit {
		return false
	}
	return req.Start == nil || !req.Start.Before(cacheStart)
}

// storeTier fills what the cache could not, bounded above by the oldest
// cached entry so the tiers never overlap.
func (s *Service) storeTier(ctx context.Context, req Request, cached []*models.KlinePayload, limit int, effectiveEnd time.Time, newestFirst bool) ([]*models.KlinePayload, error) {
	dbEnd := effectiveEnd
	if len(cached) > 0 {
		dbEnd = time.UnixMilli(cached[0].OpenTime - 1).UTC()
	}

	var dbStart time.Time
	if req.Start != nil {
		dbStart = req.Start.UTC()
	}
	if !dbStart.IsZero() && dbEnd.Before(dbStart) {
		return nil, nil
	}

	// When the cache filled the limit but not the range, the earliest rows
	// still come from the store; a full limit bounds that fetch too
	dbLimit := limit - len(cached)
	if dbLimit <= 0 {
		dbLimit = limit
	}

	stored, err := s.store.GetKlines(ctx, req.Symbol, req.Timeframe, dbStart, dbEnd, dbLimit, newestFirst)
	if err != nil {
		return nil, fmt.Errorf("failed to query kline store: %w", err)
	}

	payloads := make([]*models.KlinePayload, 0, len(stored))
	for i := range stored {
		payloads = append(payloads, stored[i].ToPayload())
	}
	return payloads, nil
}

// finalize dedups by open time, sorts ascending, trims to limit and
// re-applies the requested bounds.
func finalize(payloads []*models.KlinePayload, req Request, limit int, newestFirst bool) []*models.KlinePayload {
	seen := make(map[int64]struct{}, len(payloads))
	unique := make([]*models.KlinePayload, 0, len(payloads))
	for _, p := range payloads {
		if _, dup := seen[p.OpenTime]; dup {
			continue
		}
		seen[p.OpenTime] = struct{}{}
		unique = append(unique, p)
	}

	sort.Slice(unique, func(i, j int) bool {
		return unique[i].OpenTime < unique[j].OpenTime
	})

	if req.Start != nil || req.End != nil {
		var startMs, endMs int64 = 0, 1<<63 - 1
		if req.Start != nil {
			startMs = req.Start.UnixMilli()
		}
		if req.End != nil {
			endMs = req.End.UnixMilli()
		}
		bounded := unique[:0]
		for _, p := range unique {
			if p.OpenTime >= startMs && p.OpenTime <= endMs {
				bounded = append(bounded, p)
			}
		}
		unique = bounded
	}

	if len(unique) > limit {
		if newestFirst {
			unique = unique[len(unique)-limit:]
		} else {
			unique = unique[:limit]
		}
	}

	return unique
}
