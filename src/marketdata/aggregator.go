package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// Aggregator folds raw ticks into 1-minute bars. It keeps at most one open
// bar per symbol and emits a bar as completed only when a tick from the
// next minute bucket arrives, or on an explicit flush — never on a timer,
// so no decision is ever based on a partially formed bar.
type Aggregator struct {
	timeframe model.Timeframe

	mu   sync.Mutex
	open map[string]*model.Bar
}

// NewAggregator builds a 1-minute aggregator. Any other timeframe is a
// configuration error.
func NewAggregator(tf model.Timeframe) (*Aggregator, error) {
	if tf != model.TimeframeMinute1 {
		return nil, fmt.Errorf("aggregator supports only the %s timeframe, got %s", model.TimeframeMinute1, tf)
	}

	return &Aggregator{
		timeframe: tf,
		open:      make(map[string]*model.Bar),
	}, nil
}

// AddTick merges a tick into the symbol's open bar. Returns the previous
// bar exactly once, when the tick opens a new minute bucket; nil otherwise.
func (a *Aggregator) AddTick(t model.Tick) *model.Bar {
	code := model.NormalizeCode(t.StockCode)
	bucket := t.Timestamp.Truncate(time.Minute)

	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.open[code]
	if !ok {
		a.open[code] = a.newBar(code, bucket, t)
		return nil
	}

	if current.StartAt.Equal(bucket) {
		mergeTick(current, t)
		return nil
	}

	completed := current
	a.open[code] = a.newBar(code, bucket, t)
	return completed
}

// Flush force-emits the symbol's open bar without waiting for a boundary
// tick. Used when a subscription stops.
func (a *Aggregator) Flush(stockCode string) *model.Bar {
	code := model.NormalizeCode(stockCode)

	a.mu.Lock()
	defer a.mu.Unlock()

	bar, ok := a.open[code]
	if !ok {
		return nil
	}
	delete(a.open, code)
	return bar
}

func (a *Aggregator) newBar(code string, bucket time.Time, t model.Tick) *model.Bar {
	return &model.Bar{
		StockCode: code,
		Timeframe: a.timeframe,
		StartAt:   bucket,
		EndAt:     bucket.Add(time.Minute),
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Volume,
	}
}

func mergeTick(bar *model.Bar, t model.Tick) {
	if t.Price.GreaterThan(bar.High) {
		bar.High = t.Price
	}
	if t.Price.LessThan(bar.Low) {
		bar.Low = t.Price
	}
	bar.Close = t.Price
	bar.Volume += t.Volume
}
