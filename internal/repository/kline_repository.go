package repository

import (
	"context"
	"fmt"
	"time"

	"inchart-market/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// KlineRepository is the durable system of record for closed klines. The
// klines table is a ReplacingMergeTree ordered by (symbol, timeframe,
// open_time); re-inserting an existing key is a no-op after merge, and reads
// go through FINAL so duplicates are never observed.
type KlineRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewKlineRepository(clickhouse driver.Conn, logger *logrus.Logger) *KlineRepository {
	return &KlineRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

const klineColumns = `
		symbol, timeframe, open_time, close_time,
		open, high, low, close,
		volume, quote_volume, trade_count,
		taker_buy_base_volume, taker_buy_quote_volume,
		created_at, updated_at`

// GetKlines retrieves klines for a pair within [startTime, endTime]. Results
// are returned ascending by open_time regardless of fetch order; descending
// fetch order is used to select the newest rows when only an upper bound (or
// no bound) was given.
func (r *KlineRepository) GetKlines(ctx context.Context, symbol, timeframe string, startTime, endTime time.Time, limit int, newestFirst bool) ([]models.Kline, error) {
	query := `
		SELECT` + klineColumns + `
		FROM klines FINAL
		WHERE symbol = ? AND timeframe = ?`

	args := []interface{}{symbol, timeframe}

	if !startTime.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, startTime)
	}

	if !endTime.IsZero() {
		query += " AND open_time <= ?"
		args = append(args, endTime)
	}

	if newestFirst {
		query += " ORDER BY open_time DESC"
	} else {
		query += " ORDER BY open_time ASC"
	}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer rows.Close()

	var klines []models.Kline
	for rows.Next() {
		kline, err := scanKline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}
		klines = append(klines, *kline)
	}

	if newestFirst {
		// Reverse to chronological order
		for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
			klines[i], klines[j] = klines[j], klines[i]
		}
	}

	return klines, nil
}

// LatestOpenTime returns the most recent stored open_time for a pair, or the
// zero time when no data exists.
func (r *KlineRepository) LatestOpenTime(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	query := `
		SELECT max(open_time)
		FROM klines
		WHERE symbol = ? AND timeframe = ?`

	row := r.clickhouse.QueryRow(ctx, query, symbol, timeframe)

	var latest time.Time
	if err := row.Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest open_time: %w", err)
	}

	// ClickHouse max() over zero rows yields the epoch
	if latest.Unix() <= 0 {
		return time.Time{}, nil
	}

	return latest, nil
}

// Upsert inserts a closed kline. Duplicate (symbol, timeframe, open_time)
// keys collapse in the replacing merge; the write itself never fails on
// conflict.
func (r *KlineRepository) Upsert(ctx context.Context, kline *models.Kline) error {
	query := `
		INSERT INTO klines (` + klineColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	open, _ := kline.Open.Float64()
	high, _ := kline.High.Float64()
	low, _ := kline.Low.Float64()
	close, _ := kline.Close.Float64()
	volume, _ := kline.Volume.Float64()
	quoteVolume, _ := kline.QuoteVolume.Float64()
	takerBuyBase, _ := kline.TakerBuyBaseVolume.Float64()
	takerBuyQuote, _ := kline.TakerBuyQuoteVolume.Float64()

	err := r.clickhouse.Exec(ctx, query,
		kline.Symbol, kline.Timeframe, kline.OpenTime, kline.CloseTime,
		open, high, low, close,
		volume, quoteVolume, uint32(kline.TradeCount),
		takerBuyBase, takerBuyQuote,
		kline.CreatedAt, kline.UpdatedAt,
	)

	return err
}

// BulkUpsert inserts a page of klines in one batch with the same conflict
// semantics as Upsert.
func (r *KlineRepository) BulkUpsert(ctx context.Context, klines []*models.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO klines (`+klineColumns+`
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, kline := range klines {
		open, _ := kline.Open.Float64()
		high, _ := kline.High.Float64()
		low, _ := kline.Low.Float64()
		close, _ := kline.Close.Float64()
		volume, _ := kline.Volume.Float64()
		quoteVolume, _ := kline.QuoteVolume.Float64()
		takerBuyBase, _ := kline.TakerBuyBaseVolume.Float64()
		takerBuyQuote, _ := kline.TakerBuyQuoteVolume.Float64()

		err := batch.Append(
			kline.Symbol, kline.Timeframe, kline.OpenTime, kline.CloseTime,
			open, high, low, close,
			volume, quoteVolume, uint32(kline.TradeCount),
			takerBuyBase, takerBuyQuote,
			kline.CreatedAt, kline.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetStats retrieves kline statistics
func (r *KlineRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			count() as total_klines,
			count(DISTINCT symbol) as total_symbols,
			min(open_time) as earliest_kline,
			max(open_time) as latest_kline
		FROM klines`

	row := r.clickhouse.QueryRow(ctx, query)

	var totalKlines, totalSymbols uint64
	var earliest, latest time.Time

	err := row.Scan(&totalKlines, &totalSymbols, &earliest, &latest)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_klines":   totalKlines,
		"total_symbols":  totalSymbols,
		"earliest_kline": earliest,
		"latest_kline":   latest,
	}, nil
}

func scanKline(rows driver.Rows) (*models.Kline, error) {
	var kline models.Kline
	var tradeCount uint32
	var open, high, low, close, volume, quoteVolume float64
	var takerBuyBase, takerBuyQuote float64

	err := rows.Scan(
		&kline.Symbol, &kline.Timeframe, &kline.OpenTime, &kline.CloseTime,
		&open, &high, &low, &close,
		&volume, &quoteVolume, &tradeCount,
		&takerBuyBase, &takerBuyQuote,
		&kline.CreatedAt, &kline.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	kline.Open = decimal.NewFromFloat(open)
	kline.High = decimal.NewFromFloat(high)
	kline.Low = decimal.NewFromFloat(low)
	kline.Close = decimal.NewFromFloat(close)
	kline.Volume = decimal.NewFromFloat(volume)
	kline.QuoteVolume = decimal.NewFromFloat(quoteVolume)
	kline.TakerBuyBaseVolume = decimal.NewFromFloat(takerBuyBase)
	kline.TakerBuyQuoteVolume = decimal.NewFromFloat(takerBuyQuote)
	kline.TradeCount = int(tradeCount)
	kline.IsClosed = true

	return &kline, nil
}
