package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSeriesID is returned for ids that are not "exchange:market:SYMBOL:timeframe".
var ErrInvalidSeriesID = errors.New("invalid series id")

// ErrInvalidTimeframe is returned for timeframe strings ParseTimeframe cannot read.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// SeriesID identifies one candle stream: source, market type, symbol, timeframe.
type SeriesID struct {
	Exchange  string `json:"exchange"`
	Market    string `json:"market"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// ParseSeriesID parses "exchange:market:SYMBOL:timeframe".
// Exchange and market are lowercased, symbol is uppercased.
func ParseSeriesID(s string) (SeriesID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return SeriesID{}, fmt.Errorf("%w: %q", ErrInvalidSeriesID, s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return SeriesID{}, fmt.Errorf("%w: %q has an empty part", ErrInvalidSeriesID, s)
		}
	}
	id := SeriesID{
		Exchange:  strings.ToLower(strings.TrimSpace(parts[0])),
		Market:    strings.ToLower(strings.TrimSpace(parts[1])),
		Symbol:    strings.ToUpper(strings.TrimSpace(parts[2])),
		Timeframe: strings.TrimSpace(parts[3]),
	}
	if _, err := ParseTimeframe(id.Timeframe); err != nil {
		return SeriesID{}, fmt.Errorf("%w: %v", ErrInvalidSeriesID, err)
	}
	return id, nil
}

// String returns the canonical "exchange:market:SYMBOL:timeframe" form.
func (s SeriesID) String() string {
	return s.Exchange + ":" + s.Market + ":" + s.Symbol + ":" + s.Timeframe
}

// WithTimeframe returns a copy of s on another timeframe.
func (s SeriesID) WithTimeframe(tf string) SeriesID {
	s.Timeframe = tf
	return s
}

// TimeframeSeconds returns the series timeframe in seconds.
func (s SeriesID) TimeframeSeconds() (int64, error) {
	return ParseTimeframe(s.Timeframe)
}

// ParseTimeframe converts "30s", "1m", "5m", "4h", "1d", "1w" to seconds.
// A bare integer is read as seconds, matching the ENABLED_TFS convention.
func ParseTimeframe(tf string) (int64, error) {
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimeframe)
	}
	if n, err := strconv.ParseInt(tf, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
		}
		return n, nil
	}

	unit := tf[len(tf)-1]
	n, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	switch unit {
	case 's':
		return n, nil
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	case 'w':
		return n * 7 * 86400, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidTimeframe, tf)
	}
}
