package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPayloadRoundTrip(t *testing.T) {
	openTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	kline := &Kline{
		Symbol:      "BTCUSDT",
		Timeframe:   "1m",
		OpenTime:    openTime,
		CloseTime:   openTime.Add(time.Minute - time.Millisecond),
		Open:        decimal.RequireFromString("62000.5"),
		High:        decimal.RequireFromString("62100"),
		Low:         decimal.RequireFromString("61900.25"),
		Close:       decimal.RequireFromString("62050"),
		Volume:      decimal.RequireFromString("12.345"),
		QuoteVolume: decimal.RequireFromString("765432.1"),
		TradeCount:  987,
		IsClosed:    true,
	}

	payload := kline.ToPayload()
	assert.Equal(t, openTime.UnixMilli(), payload.OpenTime)
	assert.Equal(t, "62000.5", payload.Open)
	assert.Equal(t, "12.345", payload.Volume)
	assert.True(t, payload.IsClosed)

	back, err := payload.Kline()
	require.NoError(t, err)
	assert.Equal(t, kline.Symbol, back.Symbol)
	assert.True(t, kline.OpenTime.Equal(back.OpenTime))
	assert.True(t, kline.Close.Equal(back.Close))
	assert.Equal(t, kline.TradeCount, back.TradeCount)
}

func TestPayloadKlineRejectsBadPrices(t *testing.T) {
	payload := &KlinePayload{
		Symbol: "BTCUSDT", Timeframe: "1m",
		Open: "not-a-number", High: "1", Low: "1", Close: "1", Volume: "1",
	}
	_, err := payload.Kline()
	require.Error(t, err)
}

func TestTimeframeToDuration(t *testing.T) {
	assert.Equal(t, time.Minute, TimeframeToDuration("1m"))
	assert.Equal(t, 4*time.Hour, TimeframeToDuration("4h"))
	assert.Equal(t, 168*time.Hour, TimeframeToDuration("1w"))
	assert.Equal(t, time.Duration(0), TimeframeToDuration("7x"))
}

func TestValidTimeframe(t *testing.T) {
	for _, tf := range ValidTimeframes() {
		assert.True(t, ValidTimeframe(tf), tf)
	}
	assert.False(t, ValidTimeframe(""))
	assert.False(t, ValidTimeframe("2m"))
}

func TestBackfillStatusEffective(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := &BackfillStatus{Status: BackfillInProgress, LastUpdatedTS: now.Add(-10 * time.Minute).Unix()}
	assert.Equal(t, BackfillInProgress, fresh.Effective(now, time.Hour))

	old := &BackfillStatus{Status: BackfillInProgress, LastUpdatedTS: now.Add(-2 * time.Hour).Unix()}
	assert.Equal(t, BackfillStale, old.Effective(now, time.Hour))

	// Terminal statuses never go stale
	done := &BackfillStatus{Status: BackfillCompleted, LastUpdatedTS: now.Add(-48 * time.Hour).Unix()}
	assert.Equal(t, BackfillCompleted, done.Effective(now, time.Hour))

	var missing *BackfillStatus
	assert.Equal(t, "", missing.Effective(now, time.Hour))
}
