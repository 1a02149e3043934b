package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"inchart-market/internal/fanout"
	"inchart-market/internal/query"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatsProvider reports store-level totals for the stats endpoint.
type StatsProvider interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Server is the HTTP surface: historical kline queries, live updates over
// WebSocket, health and metrics.
type Server struct {
	queries *query.Service
	hub     *fanout.Hub
	stats   StatsProvider
	logger  *logrus.Logger
	http    *http.Server
}

func NewServer(port int, queries *query.Service, hub *fanout.Hub, stats StatsProvider, logger *logrus.Logger) *Server {
	s := &Server{
		queries: queries,
		hub:     hub,
		stats:   stats,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/klines", s.handleKlines)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/ws/klines", hub)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleKlines serves GET /api/v1/klines?symbol=&timeframe=&start_time=&end_time=&limit=
// with millisecond timestamps on the optional bounds.
func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := query.Request{
		Symbol:    r.URL.Query().Get("symbol"),
		Timeframe: r.URL.Query().Get("timeframe"),
	}

	var err error
	if req.Start, err = parseMsParam(r, "start_time"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.End, err = parseMsParam(r, "end_time"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		req.Limit = limit
	}

	result, err := s.queries.GetKlines(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to collect store stats")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("stats unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseMsParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
