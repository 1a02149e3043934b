package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"inchart-market/internal/api"
	"inchart-market/internal/backfill"
	"inchart-market/internal/cache"
	"inchart-market/internal/config"
	"inchart-market/internal/fanout"
	"inchart-market/internal/ingest"
	"inchart-market/internal/pubsub"
	"inchart-market/internal/query"
	"inchart-market/internal/repository"
	"inchart-market/internal/stream"
	"inchart-market/internal/symbols"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.Infof("🚀 Starting market data service (env: %s)", cfg.Server.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ClickHouse
	chConn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ClickHouse connection")
	}
	defer chConn.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := chConn.Ping(pingCtx); err != nil {
		pingCancel()
		logger.WithError(err).Fatal("ClickHouse is unreachable")
	}
	pingCancel()
	logger.Info("✅ Connected to ClickHouse")

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("Redis is unreachable")
	}
	logger.Info("✅ Connected to Redis")

	// Tracked pairs
	pairs, err := symbols.Resolve(cfg.Binance.PairsFile, cfg.Binance.Symbols, cfg.Binance.Timeframes)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve tracked pairs")
	}
	logger.Infof("Tracking %d pairs", len(pairs))

	// Components
	repo := repository.NewKlineRepository(chConn, logger)
	klineCache := cache.NewKlineCache(redisClient, cfg.Cache.MaxKlines, logger)
	statusCache := cache.NewStatusCache(redisClient, cfg.Cache.StatusTTL, logger)
	publisher := pubsub.NewPublisher(redisClient, logger)
	subscriber := pubsub.NewSubscriber(redisClient)

	processor := ingest.NewProcessor(repo, klineCache, publisher, logger)

	fetcher := backfill.NewFetcher(cfg.Binance.RESTURL, cfg.Binance.APIKey, cfg.Backfill.RequestsPerSec, logger)
	engine := backfill.NewEngine(fetcher, repo, statusCache, backfill.Options{
		InitialDays:     cfg.Backfill.InitialDays,
		BufferIntervals: cfg.Backfill.BufferIntervals,
		PageLimit:       cfg.Backfill.PageLimit,
	}, logger)

	queries := query.NewService(klineCache, repo, statusCache, query.Options{
		DefaultLimit:   cfg.Query.DefaultLimit,
		MaxLimit:       cfg.Query.MaxLimit,
		RecentLookback: cfg.Query.RecentLookback,
		StaleAfter:     cfg.Backfill.StaleAfter,
		CacheWindow:    cfg.Cache.MaxKlines,
	}, logger)

	hub := fanout.NewHub(subscriber, cfg.Fanout.PingInterval, logger)
	server := api.NewServer(cfg.Server.HTTPPort, queries, hub, repo, logger)

	// Backfill gaps before going live so the stream picks up where history ends
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		engine.Run(ctx, backfillPairs(pairs))
		if ctx.Err() != nil {
			return
		}

		for _, pair := range pairs {
			connector := stream.NewConnector(cfg.Binance.WSBaseURL, pair.Symbol, pair.Timeframe, processor.Handle, logger)

			wg.Add(1)
			go func(c *stream.Connector, p symbols.Pair) {
				defer wg.Done()
				if err := c.Run(ctx); err != nil {
					logger.WithError(err).Errorf("Stream terminated for %s/%s", p.Symbol, p.Timeframe)
				}
			}(connector, pair)
		}
	}()

	go func() {
		logger.Infof("🌐 HTTP server listening on :%d", cfg.Server.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown was not clean")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for workers to stop")
	}

	logger.Info("👋 Shutdown complete")
}

func backfillPairs(pairs []symbols.Pair) []backfill.Pair {
	out := make([]backfill.Pair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, backfill.Pair{Symbol: p.Symbol, Timeframe: p.Timeframe})
	}
	return out
}
