package model

import "strconv"

// Candle is one finalized OHLCV bar for a series.
// OpenTime is the bucket start in Unix seconds (UTC). A closed candle is
// never mutated; a later candle always has a later OpenTime.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// CandleID returns the alignment key "symbol:timeframe:open_time".
func (c *Candle) CandleID() string {
	return CandleID(c.Symbol, c.Timeframe, c.OpenTime)
}

// CandleID builds a candle id without needing a Candle value.
func CandleID(symbol, timeframe string, openTime int64) string {
	return symbol + ":" + timeframe + ":" + strconv.FormatInt(openTime, 10)
}
