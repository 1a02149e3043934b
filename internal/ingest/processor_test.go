package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"inchart-market/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	upserts []*models.Kline
	err     error
}

func (f *fakeStore) Upsert(_ context.Context, k *models.Kline) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, k)
	return nil
}

type fakeCache struct {
	upserts []*models.Kline
	err     error
}

func (f *fakeCache) Upsert(_ context.Context, k *models.Kline) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, k)
	return nil
}

type fakePublisher struct {
	closed []*models.Kline
	ticks  []*models.Kline
	err    error
}

func (f *fakePublisher) PublishClosed(_ context.Context, k *models.Kline) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, k)
	return nil
}

func (f *fakePublisher) PublishTick(_ context.Context, k *models.Kline) error {
	if f.err != nil {
		return f.err
	}
	f.ticks = append(f.ticks, k)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testKline(closed bool) *models.Kline {
	return &models.Kline{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		OpenTime:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		CloseTime: time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC),
		Open:      decimal.NewFromInt(62000),
		High:      decimal.NewFromInt(62100),
		Low:       decimal.NewFromInt(61900),
		Close:     decimal.NewFromInt(62050),
		Volume:    decimal.NewFromInt(12),
		IsClosed:  closed,
	}
}

func TestHandleClosedKline(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{}
	pub := &fakePublisher{}
	p := NewProcessor(store, cache, pub, quietLogger())

	p.Handle(context.Background(), testKline(true))

	assert.Len(t, store.upserts, 1)
	assert.Len(t, cache.upserts, 1)
	assert.Len(t, pub.closed, 1)
	assert.Empty(t, pub.ticks)
}

func TestHandlePersistFailureAborts(t *testing.T) {
	store := &fakeStore{err: errors.New("clickhouse down")}
	cache := &fakeCache{}
	pub := &fakePublisher{}
	p := NewProcessor(store, cache, pub, quietLogger())

	p.Handle(context.Background(), testKline(true))

	// Unstored klines must never reach the cache or subscribers
	assert.Empty(t, cache.upserts)
	assert.Empty(t, pub.closed)
}

func TestHandleCacheFailureStillPublishes(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{err: errors.New("redis down")}
	pub := &fakePublisher{}
	p := NewProcessor(store, cache, pub, quietLogger())

	p.Handle(context.Background(), testKline(true))

	assert.Len(t, store.upserts, 1)
	assert.Len(t, pub.closed, 1)
}

func TestHandleTickOnlyPublishes(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{}
	pub := &fakePublisher{}
	p := NewProcessor(store, cache, pub, quietLogger())

	p.Handle(context.Background(), testKline(false))

	assert.Empty(t, store.upserts)
	assert.Empty(t, cache.upserts)
	assert.Empty(t, pub.closed)
	assert.Len(t, pub.ticks, 1)
}
