package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"inchart-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Channel returns the fanout channel name for a pair.
func Channel(symbol, timeframe string) string {
	return fmt.Sprintf("kline_updates:%s:%s", symbol, timeframe)
}

type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishClosed publishes a closed kline envelope to the pair's channel.
func (p *Publisher) PublishClosed(ctx context.Context, kline *models.Kline) error {
	return p.publish(ctx, models.EnvelopeKlineClosed, kline)
}

// PublishTick publishes the current state of the still-forming kline. Ticks
// are never persisted or cached, only fanned out.
func (p *Publisher) PublishTick(ctx context.Context, kline *models.Kline) error {
	return p.publish(ctx, models.EnvelopeKlineTick, kline)
}

func (p *Publisher) publish(ctx context.Context, envelopeType string, kline *models.Kline) error {
	envelope := models.Envelope{
		Type: envelopeType,
		Data: kline.ToPayload(),
	}

	data, err := json.Marshal(&envelope)
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, Channel(kline.Symbol, kline.Timeframe), data).Err()
}
