package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"inchart-market/internal/metrics"
	"inchart-market/internal/models"
	"inchart-market/internal/pubsub"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades live-update requests and bridges each client to its pair's
// pub/sub channel. Every client gets a dedicated subscription; a slow or
// dead client only tears down its own session.
type Hub struct {
	subscriber   *pubsub.Subscriber
	pingInterval time.Duration
	logger       *logrus.Logger
}

func NewHub(subscriber *pubsub.Subscriber, pingInterval time.Duration, logger *logrus.Logger) *Hub {
	return &Hub{
		subscriber:   subscriber,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// ServeHTTP handles one client connection for ?symbol=...&timeframe=...
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	timeframe := r.URL.Query().Get("timeframe")

	if symbol == "" || !models.ValidTimeframe(timeframe) {
		http.Error(w, "symbol and a valid timeframe are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sub, err := h.subscriber.Subscribe(r.Context(), symbol, timeframe)
	if err != nil {
		h.logger.WithError(err).Errorf("Failed to subscribe %s/%s for client", symbol, timeframe)
		_ = conn.Close()
		return
	}

	session := &session{
		conn:         conn,
		sub:          sub,
		pingInterval: h.pingInterval,
		logger:       h.logger,
	}
	session.run(r.Context())
}

// session is one client connection bound to one pub/sub subscription.
type session struct {
	conn         *websocket.Conn
	sub          *pubsub.Subscription
	pingInterval time.Duration
	logger       *logrus.Logger

	writeMu sync.Mutex
}

type pingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type subscribeAck struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

func (s *session) run(ctx context.Context) {
	metrics.ActiveStreamClients.Inc()
	defer metrics.ActiveStreamClients.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.sub.Close()
	defer s.conn.Close()

	if err := s.writeJSON(subscribeAck{Status: "subscribed", Channel: s.sub.Channel()}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		s.forward(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		s.ping(ctx)
	}()

	// Closing the socket unblocks the read loop when a background activity
	// cancels the session first
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	// The read loop owns disconnect detection; client frames are drained
	// and ignored
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	wg.Wait()
}

// forward relays published envelopes to the client until the subscription
// or the client goes away.
func (s *session) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}

			var envelope struct {
				Type string `json:"type"`
			}
			if json.Unmarshal([]byte(msg.Payload), &envelope) == nil && envelope.Type != "" {
				metrics.FanoutMessages.WithLabelValues(envelope.Type).Inc()
			}

			if err := s.write(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				s.logger.WithError(err).Debugf("Client write failed on %s", s.sub.Channel())
				return
			}
		}
	}
}

// ping keeps intermediaries from idling the connection out.
func (s *session) ping(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := pingMessage{Type: "ping", Timestamp: time.Now().UnixMilli()}
			if err := s.writeJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}
