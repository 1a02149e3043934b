package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"inchart-market/internal/backoff"
	"inchart-market/internal/metrics"
	"inchart-market/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrInvalidEndpoint is returned by Run when the stream URL cannot be used at
// all. It is fatal to this connector instance only.
var ErrInvalidEndpoint = errors.New("invalid stream endpoint")

var (
	errNotKline      = errors.New("unrecognized event type")
	errMissingFields = errors.New("missing mandatory fields")
)

// ReconnectPolicy is the default backoff applied between connection attempts.
var ReconnectPolicy = backoff.Policy{
	Initial: 5 * time.Second,
	Max:     60 * time.Second,
	Factor:  2,
}

// Handler consumes one normalized kline event. Dispatch is asynchronous; a
// slow handler never blocks the read loop.
type Handler func(ctx context.Context, kline *models.Kline)

// klineMessage mirrors the Binance kline stream payload.
type klineMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Symbol              string `json:"s"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		BaseAssetVolume     string `json:"v"`
		NumberOfTrades      int    `json:"n"`
		IsKlineClosed       bool   `json:"x"`
		QuoteAssetVolume    string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

// Connector holds one persistent stream for a (symbol, timeframe) pair and
// reconnects with exponential backoff until stopped.
type Connector struct {
	symbol    string
	timeframe string
	wsURL     string
	handler   Handler
	logger    *logrus.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopped bool
}

func NewConnector(wsBaseURL, symbol, timeframe string, handler Handler, logger *logrus.Logger) *Connector {
	streamName := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), timeframe)
	return &Connector{
		symbol:    symbol,
		timeframe: timeframe,
		wsURL:     fmt.Sprintf("%s/%s", strings.TrimRight(wsBaseURL, "/"), streamName),
		handler:   handler,
		logger:    logger,
	}
}

// Run connects and consumes the stream until the context is cancelled, Stop
// is called, or the endpoint turns out to be unusable. Transient failures
// re-enter the reconnect loop; the delay doubles per consecutive failure up
// to the cap and resets after any successful connection.
func (c *Connector) Run(ctx context.Context) error {
	parsed, err := url.Parse(c.wsURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, c.wsURL)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	bo := backoff.New(ReconnectPolicy)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if c.isStopped() {
			return nil
		}

		dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			if ctx.Err() != nil || c.isStopped() {
				return nil
			}
			metrics.StreamReconnects.WithLabelValues(c.symbol, c.timeframe).Inc()
			c.logger.WithError(err).Warnf("%s/%s connection attempt %d failed", c.symbol, c.timeframe, bo.Attempts()+1)
			if err := bo.Sleep(ctx); err != nil {
				return nil
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		c.logger.Infof("%s/%s stream connected (%s)", c.symbol, c.timeframe, c.wsURL)

		// Closing the connection is the only way to unblock a pending read
		// when the context is cancelled
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-watchDone:
			}
		}()

		c.readLoop(ctx, conn)
		close(watchDone)
		_ = conn.Close()
		c.setConn(nil)

		if ctx.Err() != nil || c.isStopped() {
			return nil
		}
		c.logger.Infof("%s/%s stream disconnected, reconnecting", c.symbol, c.timeframe)
	}
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !c.isStopped() {
				c.logger.WithError(err).Warnf("%s/%s read error", c.symbol, c.timeframe)
			}
			return
		}

		kline, err := parseKlineMessage(message)
		if err != nil {
			// Subscription acks and pings land here too; only log real drops
			if !errors.Is(err, errNotKline) {
				c.logger.WithError(err).Warnf("%s/%s dropped stream message", c.symbol, c.timeframe)
			}
			continue
		}

		metrics.StreamEvents.WithLabelValues(c.symbol, c.timeframe).Inc()

		// Dispatch must never block on handler processing time
		go c.handler(ctx, kline)
	}
}

// Stop closes the underlying connection and marks the connector not-running.
// It is idempotent and safe to invoke concurrently with the run loop.
func (c *Connector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// IsRunning reports whether the run loop is active.
func (c *Connector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Connector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped && conn != nil {
		_ = conn.Close()
		return
	}
	c.conn = conn
}

// parseKlineMessage normalizes a raw stream message into a kline event.
// Non-kline frames, malformed payloads and events missing mandatory fields
// are rejected.
func parseKlineMessage(message []byte) (*models.Kline, error) {
	var msg klineMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	if msg.EventType != "kline" {
		return nil, errNotKline
	}

	k := msg.Kline
	if k.Symbol == "" || k.Interval == "" || k.StartTime == 0 || k.Close == "" {
		return nil, errMissingFields
	}

	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return nil, fmt.Errorf("%w: open", errMissingFields)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return nil, fmt.Errorf("%w: high", errMissingFields)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return nil, fmt.Errorf("%w: low", errMissingFields)
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return nil, fmt.Errorf("%w: close", errMissingFields)
	}
	volume, err := decimal.NewFromString(k.BaseAssetVolume)
	if err != nil {
		return nil, fmt.Errorf("%w: volume", errMissingFields)
	}

	now := time.Now().UTC()
	kline := &models.Kline{
		Symbol:     strings.ToUpper(k.Symbol),
		Timeframe:  k.Interval,
		OpenTime:   time.UnixMilli(k.StartTime).UTC(),
		CloseTime:  time.UnixMilli(k.CloseTime).UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		TradeCount: k.NumberOfTrades,
		IsClosed:   k.IsKlineClosed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	kline.QuoteVolume, _ = decimal.NewFromString(k.QuoteAssetVolume)
	kline.TakerBuyBaseVolume, _ = decimal.NewFromString(k.TakerBuyBaseVolume)
	kline.TakerBuyQuoteVolume, _ = decimal.NewFromString(k.TakerBuyQuoteVolume)

	return kline, nil
}
