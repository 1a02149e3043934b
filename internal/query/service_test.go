package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"inchart-market/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	payloads []*models.KlinePayload
	calls    []struct{ startMs, endMs int64 }
	err      error
}

func (f *fakeCache) Range(_ context.Context, _, _ string, startMs, endMs int64) ([]*models.KlinePayload, error) {
	f.calls = append(f.calls, struct{ startMs, endMs int64 }{startMs, endMs})
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.KlinePayload
	for _, p := range f.payloads {
		if p.OpenTime >= startMs && p.OpenTime <= endMs {
			out = append(out, p)
		}
	}
	return out, nil
}

type storeCall struct {
	start, end  time.Time
	limit       int
	newestFirst bool
}

type fakeStore struct {
	klines []models.Kline
	calls  []storeCall
	err    error
}

func (f *fakeStore) GetKlines(_ context.Context, _, _ string, start, end time.Time, limit int, newestFirst bool) ([]models.Kline, error) {
	f.calls = append(f.calls, storeCall{start, end, limit, newestFirst})
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Kline
	for _, k := range f.klines {
		if !start.IsZero() && k.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && k.OpenTime.After(end) {
			continue
		}
		out = append(out, k)
	}
	if limit > 0 && len(out) > limit {
		if newestFirst {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out, nil
}

type fakeStatus struct {
	blob *models.BackfillStatus
	err  error
}

func (f *fakeStatus) Get(context.Context, string, string) (*models.BackfillStatus, error) {
	return f.blob, f.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func payloadAt(openTime time.Time) *models.KlinePayload {
	return &models.KlinePayload{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		OpenTime:  openTime.UnixMilli(),
		CloseTime: openTime.Add(time.Minute - time.Millisecond).UnixMilli(),
		Open:      "1", High: "1", Low: "1", Close: "1", Volume: "1",
		IsClosed: true,
	}
}

func storedAt(openTime time.Time) models.Kline {
	return models.Kline{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		OpenTime:  openTime,
		CloseTime: openTime.Add(time.Minute - time.Millisecond),
		Open:      decimal.NewFromInt(1),
		High:      decimal.NewFromInt(1),
		Low:       decimal.NewFromInt(1),
		Close:     decimal.NewFromInt(1),
		Volume:    decimal.NewFromInt(1),
		IsClosed:  true,
	}
}

func newTestService(cache *fakeCache, store *fakeStore, status *fakeStatus) *Service {
	s := NewService(cache, store, status, Options{
		DefaultLimit:   1000,
		MaxLimit:       5000,
		RecentLookback: 5 * time.Minute,
		StaleAfter:     time.Hour,
		CacheWindow:    2000,
	}, quietLogger())
	s.now = func() time.Time { return testNow }
	return s
}

func TestGetKlinesValidation(t *testing.T) {
	s := newTestService(&fakeCache{}, &fakeStore{}, &fakeStatus{})

	_, err := s.GetKlines(context.Background(), Request{Timeframe: "1m"})
	assert.Error(t, err)

	_, err = s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "2m"})
	assert.Error(t, err)

	start := testNow
	end := testNow.Add(-time.Hour)
	_, err = s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Start: &start, End: &end})
	assert.Error(t, err)
}

func TestGetKlinesCacheOnly(t *testing.T) {
	cache := &fakeCache{}
	for i := 9; i >= 0; i-- {
		cache.payloads = append([]*models.KlinePayload{payloadAt(testNow.Add(-time.Duration(i+1) * time.Minute))}, cache.payloads...)
	}
	store := &fakeStore{}
	s := newTestService(cache, store, &fakeStatus{})

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Limit: 5})
	require.NoError(t, err)

	// Cache filled the limit; the store was never touched
	assert.Empty(t, store.calls)
	require.Len(t, result.Klines, 5)

	// Newest five win the trim and arrive ascending
	assert.Equal(t, testNow.Add(-5*time.Minute).UnixMilli(), result.Klines[0].OpenTime)
	assert.Equal(t, testNow.Add(-time.Minute).UnixMilli(), result.Klines[4].OpenTime)
	for i := 1; i < len(result.Klines); i++ {
		assert.Less(t, result.Klines[i-1].OpenTime, result.Klines[i].OpenTime)
	}
}

func TestGetKlinesMergesTiers(t *testing.T) {
	// Cache holds the newest three, the store holds older history
	cache := &fakeCache{payloads: []*models.KlinePayload{
		payloadAt(testNow.Add(-3 * time.Minute)),
		payloadAt(testNow.Add(-2 * time.Minute)),
		payloadAt(testNow.Add(-1 * time.Minute)),
	}}
	store := &fakeStore{klines: []models.Kline{
		storedAt(testNow.Add(-6 * time.Minute)),
		storedAt(testNow.Add(-5 * time.Minute)),
		storedAt(testNow.Add(-4 * time.Minute)),
	}}
	s := newTestService(cache, store, &fakeStatus{})

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Limit: 5})
	require.NoError(t, err)

	// The store query is bounded just below the oldest cached entry
	require.Len(t, store.calls, 1)
	wantEnd := testNow.Add(-3 * time.Minute).Add(-time.Millisecond)
	assert.True(t, store.calls[0].end.Equal(wantEnd))
	assert.Equal(t, 2, store.calls[0].limit)
	assert.True(t, store.calls[0].newestFirst)

	require.Len(t, result.Klines, 5)
	assert.Equal(t, testNow.Add(-5*time.Minute).UnixMilli(), result.Klines[0].OpenTime)
	assert.Equal(t, testNow.Add(-1*time.Minute).UnixMilli(), result.Klines[4].OpenTime)
}

func TestGetKlinesDedupsOverlap(t *testing.T) {
	shared := testNow.Add(-2 * time.Minute)
	cache := &fakeCache{payloads: []*models.KlinePayload{
		payloadAt(shared),
		payloadAt(testNow.Add(-1 * time.Minute)),
	}}
	store := &fakeStore{klines: []models.Kline{
		storedAt(testNow.Add(-3 * time.Minute)),
		storedAt(shared),
	}}
	s := newTestService(cache, store, &fakeStatus{})

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Limit: 10})
	require.NoError(t, err)

	require.Len(t, result.Klines, 3)
	seen := map[int64]bool{}
	for _, p := range result.Klines {
		assert.False(t, seen[p.OpenTime], "duplicate open_time %d", p.OpenTime)
		seen[p.OpenTime] = true
	}
}

func TestGetKlinesOldWindowSkipsCache(t *testing.T) {
	cache := &fakeCache{}
	store := &fakeStore{klines: []models.Kline{storedAt(testNow.Add(-48 * time.Hour))}}
	s := newTestService(cache, store, &fakeStatus{})

	end := testNow.Add(-24 * time.Hour)
	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", End: &end})
	require.NoError(t, err)

	assert.Empty(t, cache.calls)
	require.Len(t, store.calls, 1)
	assert.Len(t, result.Klines, 1)
}

func TestGetKlinesExplicitStartKeepsEarliest(t *testing.T) {
	start := testNow.Add(-10 * time.Minute)
	cache := &fakeCache{}
	for i := 0; i < 10; i++ {
		cache.payloads = append(cache.payloads, payloadAt(start.Add(time.Duration(i)*time.Minute)))
	}
	s := newTestService(cache, &fakeStore{}, &fakeStatus{})

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Start: &start, Limit: 3})
	require.NoError(t, err)

	// With a lower bound the earliest klines win the trim
	require.Len(t, result.Klines, 3)
	assert.Equal(t, start.UnixMilli(), result.Klines[0].OpenTime)
	assert.Equal(t, start.Add(2*time.Minute).UnixMilli(), result.Klines[2].OpenTime)
}

func TestGetKlinesCacheFailureFallsBack(t *testing.T) {
	cache := &fakeCache{err: errors.New("redis down")}
	store := &fakeStore{klines: []models.Kline{storedAt(testNow.Add(-2 * time.Minute))}}
	s := newTestService(cache, store, &fakeStatus{})

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m"})
	require.NoError(t, err)
	assert.Len(t, result.Klines, 1)
}

func TestGetKlinesAttachesBackfillStatus(t *testing.T) {
	status := &fakeStatus{blob: &models.BackfillStatus{
		Status:        models.BackfillInProgress,
		LastUpdatedTS: testNow.Add(-2 * time.Hour).Unix(),
	}}
	s := newTestService(&fakeCache{}, &fakeStore{}, status)

	result, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m"})
	require.NoError(t, err)

	// An in_progress record past the staleness threshold reads as stale
	assert.Equal(t, models.BackfillStale, result.BackfillStatus)
	assert.Empty(t, result.Klines)
}

func TestGetKlinesLimitClamping(t *testing.T) {
	cache := &fakeCache{}
	store := &fakeStore{}
	s := newTestService(cache, store, &fakeStatus{})

	_, err := s.GetKlines(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1m", Limit: 999999})
	require.NoError(t, err)
	require.Len(t, store.calls, 1)
	assert.Equal(t, 5000, store.calls[0].limit)
}
