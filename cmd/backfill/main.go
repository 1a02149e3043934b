package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"inchart-market/internal/backfill"
	"inchart-market/internal/cache"
	"inchart-market/internal/config"
	"inchart-market/internal/repository"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	// Command line flags
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols (e.g., BTCUSDT,ETHUSDT)")
	timeframesFlag := flag.String("timeframes", "1m", "Comma-separated timeframes (e.g., 1m,1h)")
	days := flag.Int("days", 0, "Override the initial backfill window in days")
	workers := flag.Int("workers", 3, "Number of parallel pair backfills")
	flag.Parse()

	if *symbolsFlag == "" {
		fmt.Println("Error: -symbols is required")
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *days > 0 {
		cfg.Backfill.InitialDays = *days
	}

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
		logger.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer chConn.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	repo := repository.NewKlineRepository(chConn, logger)
	statusCache := cache.NewStatusCache(redisClient, cfg.Cache.StatusTTL, logger)
	fetcher := backfill.NewFetcher(cfg.Binance.RESTURL, cfg.Binance.APIKey, cfg.Backfill.RequestsPerSec, logger)
	engine := backfill.NewEngine(fetcher, repo, statusCache, backfill.Options{
		InitialDays:     cfg.Backfill.InitialDays,
		BufferIntervals: cfg.Backfill.BufferIntervals,
		PageLimit:       cfg.Backfill.PageLimit,
	}, logger)

	pairs := buildPairs(*symbolsFlag, *timeframesFlag)

	logger.Infof("🚀 Backfilling %d pairs (%d days, %d workers)", len(pairs), cfg.Backfill.InitialDays, *workers)

	bar := progressbar.NewOptions(len(pairs),
		progressbar.OptionSetDescription("backfilling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
	)

	ctx := context.Background()
	jobs := make(chan backfill.Pair)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range jobs {
				if err := engine.RunPair(ctx, pair.Symbol, pair.Timeframe); err != nil {
					logger.WithError(err).Errorf("Backfill failed for %s/%s", pair.Symbol, pair.Timeframe)
					mu.Lock()
					failed++
					mu.Unlock()
				}
				_ = bar.Add(1)
			}
		}()
	}

	for _, pair := range pairs {
		jobs <- pair
	}
	close(jobs)
	wg.Wait()

	fmt.Println()
	if failed > 0 {
		logger.Fatalf("Backfill finished with %d failed pairs", failed)
	}
	logger.Info("✅ Backfill completed successfully!")
}

func buildPairs(symbolsCSV, timeframesCSV string) []backfill.Pair {
	var pairs []backfill.Pair
	for _, symbol := range strings.Split(symbolsCSV, ",") {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		for _, timeframe := range strings.Split(timeframesCSV, ",") {
			timeframe = strings.TrimSpace(timeframe)
			if timeframe == "" {
				continue
			}
			pairs = append(pairs, backfill.Pair{Symbol: symbol, Timeframe: timeframe})
		}
	}
	return pairs
}
