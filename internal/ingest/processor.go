package ingest

import (
	"context"
	"time"

	"inchart-market/internal/metrics"
	"inchart-market/internal/models"

	"github.com/sirupsen/logrus"
)

// KlineStore persists closed klines durably.
type KlineStore interface {
	Upsert(ctx context.Context, kline *models.Kline) error
}

// KlineCache holds the recent-window cache of closed klines.
type KlineCache interface {
	Upsert(ctx context.Context, kline *models.Kline) error
}

// Publisher fans kline events out to live subscribers.
type Publisher interface {
	PublishClosed(ctx context.Context, kline *models.Kline) error
	PublishTick(ctx context.Context, kline *models.Kline) error
}

// Processor routes stream events to the store, cache and fanout channel.
// Durable persistence is the gate: a closed kline that cannot be stored is
// neither cached nor published.
type Processor struct {
	store     KlineStore
	cache     KlineCache
	publisher Publisher
	logger    *logrus.Logger
}

func NewProcessor(store KlineStore, cache KlineCache, publisher Publisher, logger *logrus.Logger) *Processor {
	return &Processor{
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle processes one stream event. Closed klines are persisted, cached and
// published; in-progress ticks are only published.
func (p *Processor) Handle(ctx context.Context, kline *models.Kline) {
	if !kline.IsClosed {
		if err := p.publisher.PublishTick(ctx, kline); err != nil {
			metrics.PublishFailures.WithLabelValues(models.EnvelopeKlineTick).Inc()
			p.logger.WithError(err).Warnf("Failed to publish tick for %s/%s", kline.Symbol, kline.Timeframe)
		}
		return
	}

	start := time.Now()

	if err := p.store.Upsert(ctx, kline); err != nil {
		metrics.IngestErrors.WithLabelValues("persist").Inc()
		p.logger.WithError(err).Errorf("Failed to persist closed kline %s/%s @ %s",
			kline.Symbol, kline.Timeframe, kline.OpenTime.Format(time.RFC3339))
		return
	}
	metrics.KlinesPersisted.WithLabelValues(kline.Symbol, kline.Timeframe).Inc()

	// Cache and fanout are best-effort once the kline is durable
	if err := p.cache.Upsert(ctx, kline); err != nil {
		metrics.IngestErrors.WithLabelValues("cache").Inc()
		p.logger.WithError(err).Warnf("Failed to cache closed kline %s/%s", kline.Symbol, kline.Timeframe)
	}

	if err := p.publisher.PublishClosed(ctx, kline); err != nil {
		metrics.IngestErrors.WithLabelValues("publish").Inc()
		metrics.PublishFailures.WithLabelValues(models.EnvelopeKlineClosed).Inc()
		p.logger.WithError(err).Warnf("Failed to publish closed kline %s/%s", kline.Symbol, kline.Timeframe)
	}

	metrics.TrackLatency(start, metrics.IngestLatency)
}
