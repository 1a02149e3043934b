package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Binance    BinanceConfig
	Backfill   BackfillConfig
	Query      QueryConfig
	Fanout     FanoutConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CacheConfig struct {
	// MaxKlines caps each pair's sorted set; oldest entries are evicted first.
	MaxKlines int
	// StatusTTL bounds the validity of backfill status blobs.
	StatusTTL time.Duration
}

type BinanceConfig struct {
	WSBaseURL  string
	RESTURL    string
	APIKey     string
	PairsFile  string
	Symbols    string // comma separated, used when PairsFile is empty
	Timeframes string // comma separated, used when PairsFile is empty
}

type BackfillConfig struct {
	InitialDays     int
	BufferIntervals int
	PageLimit       int
	RequestDelay    time.Duration
	// RequestsPerSec paces historical REST calls below the upstream limit.
	RequestsPerSec float64
	StaleAfter     time.Duration
}

type QueryConfig struct {
	DefaultLimit   int
	MaxLimit       int
	RecentLookback time.Duration
}

type FanoutConfig struct {
	PingInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "inchart"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			MaxKlines: getEnvInt("MAX_KLINES_IN_REDIS", 2000),
			StatusTTL: parseDuration(getEnv("BACKFILL_STATUS_TTL", "1h"), time.Hour),
		},
		Binance: BinanceConfig{
			WSBaseURL:  getEnv("BINANCE_WS_BASE_URL", "wss://stream.binance.com:9443/ws"),
			RESTURL:    getEnv("BINANCE_REST_URL", "https://api.binance.com/api/v3/klines"),
			APIKey:     getEnv("BINANCE_API_KEY", ""),
			PairsFile:  getEnv("PAIRS_FILE", ""),
			Symbols:    getEnv("PROACTIVE_SYMBOLS", "BTCUSDT"),
			Timeframes: getEnv("PROACTIVE_TIMEFRAMES", "1m"),
		},
		Backfill: BackfillConfig{
			InitialDays:     getEnvInt("INITIAL_BACKFILL_DAYS", 14),
			BufferIntervals: getEnvInt("HISTORICAL_FETCH_BUFFER_KLINES", 1),
			PageLimit:       getEnvInt("BACKFILL_PAGE_LIMIT", 1000),
			RequestDelay:    parseDuration(getEnv("BACKFILL_REQUEST_DELAY", "2s"), 2*time.Second),
			RequestsPerSec:  getEnvFloat("BACKFILL_REQUESTS_PER_SEC", 4.5),
			StaleAfter:      parseDuration(getEnv("BACKFILL_STALE_AFTER", "1h"), time.Hour),
		},
		Query: QueryConfig{
			DefaultLimit:   getEnvInt("DEFAULT_KLINES_LIMIT", 1000),
			MaxLimit:       getEnvInt("MAX_KLINES_LIMIT", 5000),
			RecentLookback: parseDuration(getEnv("API_REDIS_LOOKBACK", "5m"), 5*time.Minute),
		},
		Fanout: FanoutConfig{
			PingInterval: parseDuration(getEnv("WEBSOCKET_PING_INTERVAL", "30s"), 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Backfill.PageLimit <= 0 || c.Backfill.PageLimit > 1000 {
		return fmt.Errorf("BACKFILL_PAGE_LIMIT must be in (0, 1000]")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
