package marketdata

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// BarCallback receives each completed bar in per-symbol order.
type BarCallback func(model.Bar)

// StopFunc tears down a subscription. Safe to call more than once.
type StopFunc func()

// ErrTimeframeUnsupported is returned for any subscription timeframe other
// than 1 minute.
var ErrTimeframeUnsupported = errors.New("unsupported timeframe")

// Provider is the market-data contract the strategy and executor consume.
// Two mutually substitutable implementations exist: a polling one backed
// by the broker's history endpoints and a streaming one backed by the
// realtime feed.
type Provider interface {
	// GetRecentBars returns up to n bars in ascending time order.
	GetRecentBars(stockCode string, n int, tf model.Timeframe) ([]model.Bar, error)

	// GetLatestPrice returns the most recent trade price.
	GetLatestPrice(stockCode string) (decimal.Decimal, error)

	// SubscribeBars starts delivering completed bars to fn. A polling
	// implementation returns a nil StopFunc.
	SubscribeBars(stockCodes []string, tf model.Timeframe, fn BarCallback) (StopFunc, error)
}
