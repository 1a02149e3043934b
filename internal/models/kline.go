package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline represents one closed OHLCV candle. It is immutable once persisted;
// identity is (symbol, timeframe, open_time).
type Kline struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"is_closed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	TradeCount          int             `json:"trade_count"`
	TakerBuyBaseVolume  decimal.Decimal `json:"taker_buy_base_volume,omitempty"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume,omitempty"`
}

// KlinePayload is the wire format used for cache entries, pub/sub fanout and
// API responses: millisecond timestamps and string-encoded prices.
type KlinePayload struct {
	Symbol              string `json:"symbol"`
	Timeframe           string `json:"timeframe"`
	OpenTime            int64  `json:"open_time"`  // Milliseconds
	CloseTime           int64  `json:"close_time"` // Milliseconds
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	QuoteVolume         string `json:"quote_volume"`
	TradeCount          int    `json:"trade_count"`
	TakerBuyBaseVolume  string `json:"taker_buy_base_volume,omitempty"`
	TakerBuyQuoteVolume string `json:"taker_buy_quote_volume,omitempty"`
	IsClosed            bool   `json:"is_closed"`
}

// ToPayload converts a Kline to its wire format.
func (k *Kline) ToPayload() *KlinePayload {
	return &KlinePayload{
		Symbol:              k.Symbol,
		Timeframe:           k.Timeframe,
		OpenTime:            k.OpenTime.UnixMilli(),
		CloseTime:           k.CloseTime.UnixMilli(),
		Open:                k.Open.String(),
		High:                k.High.String(),
		Low:                 k.Low.String(),
		Close:               k.Close.String(),
		Volume:              k.Volume.String(),
		QuoteVolume:         k.QuoteVolume.String(),
		TradeCount:          k.TradeCount,
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume.String(),
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume.String(),
		IsClosed:            k.IsClosed,
	}
}

// Kline converts a payload back to the internal model.
func (p *KlinePayload) Kline() (*Kline, error) {
	open, err := decimal.NewFromString(p.Open)
	if err != nil {
		return nil, err
	}
	high, err := decimal.NewFromString(p.High)
	if err != nil {
		return nil, err
	}
	low, err := decimal.NewFromString(p.Low)
	if err != nil {
		return nil, err
	}
	closePrice, err := decimal.NewFromString(p.Close)
	if err != nil {
		return nil, err
	}
	volume, err := decimal.NewFromString(p.Volume)
	if err != nil {
		return nil, err
	}

	k := &Kline{
		Symbol:     p.Symbol,
		Timeframe:  p.Timeframe,
		OpenTime:   time.UnixMilli(p.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(p.CloseTime).UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		TradeCount: p.TradeCount,
		IsClosed:   p.IsClosed,
	}

	// Optional derived fields are best-effort
	k.QuoteVolume, _ = decimal.NewFromString(p.QuoteVolume)
	k.TakerBuyBaseVolume, _ = decimal.NewFromString(p.TakerBuyBaseVolume)
	k.TakerBuyQuoteVolume, _ = decimal.NewFromString(p.TakerBuyQuoteVolume)

	return k, nil
}

// TimeframeToDuration converts a timeframe string to a duration
func TimeframeToDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1s":
		return 1 * time.Second
	case "1m":
		return 1 * time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return 1 * time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 168 * time.Hour
	case "1M":
		return 720 * time.Hour // Approx 30 days
	default:
		return 0
	}
}

// ValidTimeframe reports whether the timeframe string is known.
func ValidTimeframe(timeframe string) bool {
	return TimeframeToDuration(timeframe) > 0
}

// ValidTimeframes returns the list of supported timeframes
func ValidTimeframes() []string {
	return []string{
		"1s", "1m", "3m", "5m", "15m", "30m",
		"1h", "2h", "4h", "6h", "8h", "12h",
		"1d", "3d", "1w", "1M",
	}
}
