package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"inchart-market/internal/metrics"
	"inchart-market/internal/models"

	"github.com/sirupsen/logrus"
)

// PageFetcher retrieves one page of historical klines.
type PageFetcher interface {
	FetchPage(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Kline, error)
}

// HistoryStore is the durable side of the backfill: gap detection reads the
// newest stored open time, pages are written in bulk.
type HistoryStore interface {
	LatestOpenTime(ctx context.Context, symbol, timeframe string) (time.Time, error)
	BulkUpsert(ctx context.Context, klines []*models.Kline) error
}

// StatusStore records per-pair backfill progress for query responses.
type StatusStore interface {
	Set(ctx context.Context, symbol, timeframe, status string) error
}

// Options tune the backfill window and pagination.
type Options struct {
	InitialDays     int
	BufferIntervals int
	PageLimit       int
}

// Engine fills the gap between the newest stored kline and the live stream.
// A pair with no history gets the initial window; a pair with history gets
// everything from its newest kline forward, stopping short of the
// still-forming interval.
type Engine struct {
	fetcher PageFetcher
	store   HistoryStore
	status  StatusStore
	opts    Options
	logger  *logrus.Logger

	now func() time.Time
}

func NewEngine(fetcher PageFetcher, store HistoryStore, status StatusStore, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{
		fetcher: fetcher,
		store:   store,
		status:  status,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Pair identifies one backfill target.
type Pair struct {
	Symbol    string
	Timeframe string
}

// Run backfills all pairs concurrently. Each pair fails independently;
// a failed pair never blocks the others.
func (e *Engine) Run(ctx context.Context, pairs []Pair) {
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(p Pair) {
			defer wg.Done()
			if err := e.RunPair(ctx, p.Symbol, p.Timeframe); err != nil {
				e.logger.WithError(err).Errorf("Backfill failed for %s/%s", p.Symbol, p.Timeframe)
			}
		}(pair)
	}
	wg.Wait()
}

// RunPair backfills one pair and maintains its status through the lifecycle:
// in_progress while paging, completed on success, error on failure.
func (e *Engine) RunPair(ctx context.Context, symbol, timeframe string) (err error) {
	interval := models.TimeframeToDuration(timeframe)
	if interval == 0 {
		return fmt.Errorf("unknown timeframe %q", timeframe)
	}

	if serr := e.status.Set(ctx, symbol, timeframe, models.BackfillInProgress); serr != nil {
		e.logger.WithError(serr).Warnf("Failed to mark backfill in progress for %s/%s", symbol, timeframe)
	}
	defer func() {
		status := models.BackfillCompleted
		if err != nil {
			status = models.BackfillError
		}
		if serr := e.status.Set(ctx, symbol, timeframe, status); serr != nil {
			e.logger.WithError(serr).Warnf("Failed to record backfill status for %s/%s", symbol, timeframe)
		}
	}()

	now := e.now().UTC()
	// Stop short of intervals that may still be forming
	targetEnd := now.Add(-time.Duration(e.opts.BufferIntervals) * interval)

	latest, err := e.store.LatestOpenTime(ctx, symbol, timeframe)
	if err != nil {
		return fmt.Errorf("failed to read latest stored kline: %w", err)
	}

	var start time.Time
	if latest.IsZero() {
		start = now.AddDate(0, 0, -e.opts.InitialDays)
		e.logger.Infof("📥 %s/%s has no history, backfilling %d days", symbol, timeframe, e.opts.InitialDays)
	} else {
		start = latest.Add(interval)
		if !start.Before(targetEnd) {
			e.logger.Debugf("%s/%s is up to date, nothing to backfill", symbol, timeframe)
			return nil
		}
		e.logger.Infof("📥 %s/%s gap detected, backfilling from %s", symbol, timeframe, start.Format(time.RFC3339))
	}

	total, err := e.fill(ctx, symbol, timeframe, start.UnixMilli(), targetEnd.UnixMilli())
	if err != nil {
		return err
	}

	e.logger.Infof("✅ Backfill complete for %s/%s: %d klines", symbol, timeframe, total)
	return nil
}

// fill pages through [startMs, endMs], advancing the cursor one millisecond
// past the last open time of each page so no kline is fetched twice.
func (e *Engine) fill(ctx context.Context, symbol, timeframe string, startMs, endMs int64) (int, error) {
	total := 0
	cursor := startMs

	for cursor <= endMs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err := e.fetcher.FetchPage(ctx, symbol, timeframe, cursor, endMs, e.opts.PageLimit)
		if err != nil {
			return total, fmt.Errorf("failed to fetch page at %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}

		if err := e.store.BulkUpsert(ctx, page); err != nil {
			return total, fmt.Errorf("failed to store page at %d: %w", cursor, err)
		}

		total += len(page)
		metrics.BackfillPages.WithLabelValues(symbol, timeframe).Inc()
		metrics.BackfillKlines.WithLabelValues(symbol, timeframe).Add(float64(len(page)))

		cursor = page[len(page)-1].OpenTime.UnixMilli() + 1

		// A short page means the exchange has nothing further in range
		if len(page) < e.opts.PageLimit {
			break
		}
	}

	return total, nil
}
