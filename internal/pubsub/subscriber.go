package pubsub

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Subscription is one live binding to a pair's fanout channel. Messages
// carries raw envelope JSON; Close tears down the underlying pub/sub
// connection and is safe to call more than once.
type Subscription struct {
	pubsub  *redis.PubSub
	channel string
}

type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe opens a dedicated pub/sub connection for one pair.
func (s *Subscriber) Subscribe(ctx context.Context, symbol, timeframe string) (*Subscription, error) {
	channel := Channel(symbol, timeframe)
	ps := s.client.Subscribe(ctx, channel)

	// Force the subscription onto the wire before handing it out
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	return &Subscription{pubsub: ps, channel: channel}, nil
}

func (s *Subscription) Channel() string {
	return s.channel
}

// Messages returns the stream of raw envelope payloads. The channel closes
// when the subscription is closed.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
