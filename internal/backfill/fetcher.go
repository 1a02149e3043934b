package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inchart-market/internal/backoff"
	"inchart-market/internal/metrics"
	"inchart-market/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// FetchRetryPolicy governs retries for rate-limited and transient fetch
// failures. Exchange 429/418 responses and network errors are retryable;
// other client errors are not.
var FetchRetryPolicy = backoff.Policy{
	Initial:     5 * time.Second,
	Max:         60 * time.Second,
	Factor:      2,
	MaxAttempts: 5,
}

// Fetcher pulls historical klines from the exchange REST API, pacing its
// requests with a shared rate limiter so parallel backfills stay below the
// exchange request quota.
type Fetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewFetcher(baseURL, apiKey string, requestsPerSec float64, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
		logger:  logger,
	}
}

// statusError distinguishes HTTP-level failures so the retry loop can tell
// rate limiting apart from permanent request errors.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("exchange returned HTTP %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code == http.StatusTooManyRequests || se.code == 418
	}
	// Network and decode failures are assumed transient
	return true
}

// FetchPage retrieves one page of closed klines for [startMs, endMs],
// ascending by open time, retrying on rate limits and transient errors.
func (f *Fetcher) FetchPage(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Kline, error) {
	bo := backoff.New(FetchRetryPolicy)

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := f.fetchOnce(ctx, symbol, timeframe, startMs, endMs, limit)
		if err == nil {
			return klines, nil
		}

		if !retryable(err) {
			return nil, err
		}
		if bo.Exhausted() {
			return nil, fmt.Errorf("giving up after %d attempts: %w", bo.Attempts(), err)
		}

		metrics.BackfillRetries.Inc()
		f.logger.WithError(err).Warnf("Fetch %s/%s failed (attempt %d), retrying", symbol, timeframe, bo.Attempts()+1)
		if err := bo.Sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	klines := make([]*models.Kline, 0, len(rows))
	for _, row := range rows {
		kline, err := parseRESTKline(symbol, timeframe, row)
		if err != nil {
			f.logger.WithError(err).Warnf("Skipping malformed historical row for %s/%s", symbol, timeframe)
			continue
		}
		klines = append(klines, kline)
	}

	return klines, nil
}

// parseRESTKline decodes one exchange kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
//  tradeCount, takerBuyBase, takerBuyQuote, ...].
func parseRESTKline(symbol, timeframe string, row []interface{}) (*models.Kline, error) {
	if len(row) < 11 {
		return nil, fmt.Errorf("kline row has %d fields, want 11", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid open time %v", row[0])
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid close time %v", row[6])
	}

	dec := func(v interface{}, field string) (decimal.Decimal, error) {
		s, ok := v.(string)
		if !ok {
			return decimal.Zero, fmt.Errorf("invalid %s %v", field, v)
		}
		return decimal.NewFromString(s)
	}

	open, err := dec(row[1], "open")
	if err != nil {
		return nil, err
	}
	high, err := dec(row[2], "high")
	if err != nil {
		return nil, err
	}
	low, err := dec(row[3], "low")
	if err != nil {
		return nil, err
	}
	closePrice, err := dec(row[4], "close")
	if err != nil {
		return nil, err
	}
	volume, err := dec(row[5], "volume")
	if err != nil {
		return nil, err
	}
	quoteVolume, err := dec(row[7], "quote volume")
	if err != nil {
		return nil, err
	}

	tradeCount, _ := row[8].(float64)
	takerBase, _ := dec(row[9], "taker buy base volume")
	takerQuote, _ := dec(row[10], "taker buy quote volume")

	now := time.Now().UTC()
	return &models.Kline{
		Symbol:              symbol,
		Timeframe:           timeframe,
		OpenTime:            time.UnixMilli(int64(openTime)).UTC(),
		CloseTime:           time.UnixMilli(int64(closeTime)).UTC(),
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               closePrice,
		Volume:              volume,
		QuoteVolume:         quoteVolume,
		TradeCount:          int(tradeCount),
		TakerBuyBaseVolume:  takerBase,
		TakerBuyQuoteVolume: takerQuote,
		IsClosed:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}
