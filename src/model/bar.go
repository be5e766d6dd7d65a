package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is the bar granularity. Only the 1-minute streamed timeframe
// and the daily polled timeframe exist in this system.
type Timeframe string

const (
	TimeframeMinute1 Timeframe = "1m"
	TimeframeDay1    Timeframe = "1d"
)

// Tick is a single trade print from the streaming feed. Ephemeral, never
// persisted.
type Tick struct {
	StockCode string
	Price     decimal.Decimal
	Volume    int64
	Timestamp time.Time
}

// Bar is an OHLCV summary over one timeframe bucket. Once emitted as
// completed it is immutable; EndAt is always StartAt plus the timeframe.
type Bar struct {
	StockCode string
	Timeframe Timeframe
	StartAt   time.Time
	EndAt     time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// NormalizeCode pads a KRX stock code to its fixed 6-digit form.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) >= 6 {
		return code
	}
	return fmt.Sprintf("%06s", code)
}
