package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/feedhealth"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

const (
	tickQueueCapacity = 1024
	stopJoinTimeout   = 5 * time.Second
	reconnectBackoff  = 3 * time.Second
)

// TickSource is the realtime feed connection. Run blocks until the context
// is cancelled or the connection dies, delivering ticks to out.
type TickSource interface {
	Run(ctx context.Context, stockCodes []string, out chan<- model.Tick) error
	Connected() bool
}

// WSProvider serves bars from the realtime feed. Every tick flows through
// the bar aggregator; completed bars land in a bounded per-symbol ring
// buffer and are handed to the subscriber from a single consumer loop, so
// the callback never needs to be reentrant. Latest-price reads fall back to
// the polling provider until the first tick arrives.
type WSProvider struct {
	source   TickSource
	fallback Provider
	ringCap  int

	mu            sync.Mutex
	subscribed    bool
	stopFn        StopFunc
	lastPrice     map[string]decimal.Decimal
	rings         map[string]*barRing
	lastMsgAt     time.Time
	lastBarAt     time.Time
	completedBars int64
	feedFailed    bool
}

func NewWSProvider(source TickSource, fallback Provider, ringCapacity int) *WSProvider {
	if ringCapacity < minRingCapacity {
		ringCapacity = minRingCapacity
	}

	return &WSProvider{
		source:    source,
		fallback:  fallback,
		ringCap:   ringCapacity,
		lastPrice: make(map[string]decimal.Decimal),
		rings:     make(map[string]*barRing),
	}
}

func (p *WSProvider) GetRecentBars(stockCode string, n int, tf model.Timeframe) ([]model.Bar, error) {
	code := model.NormalizeCode(stockCode)

	if tf == model.TimeframeDay1 {
		return p.fallback.GetRecentBars(code, n, tf)
	}
	if tf != model.TimeframeMinute1 {
		return nil, fmt.Errorf("%w: %s", ErrTimeframeUnsupported, tf)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ring, ok := p.rings[code]
	if !ok {
		return nil, nil
	}
	return ring.recent(n), nil
}

func (p *WSProvider) GetLatestPrice(stockCode string) (decimal.Decimal, error) {
	code := model.NormalizeCode(stockCode)

	p.mu.Lock()
	price, ok := p.lastPrice[code]
	p.mu.Unlock()

	if ok {
		return price, nil
	}
	return p.fallback.GetLatestPrice(code)
}

// SubscribeBars starts the feed on a dedicated background goroutine. Only
// the 1-minute timeframe is supported; calling subscribe while already
// subscribed returns the existing stop function instead of opening a
// second stream.
func (p *WSProvider) SubscribeBars(stockCodes []string, tf model.Timeframe, fn BarCallback) (StopFunc, error) {
	if tf != model.TimeframeMinute1 {
		return nil, fmt.Errorf("%w: streaming supports only %s, got %s", ErrTimeframeUnsupported, model.TimeframeMinute1, tf)
	}

	p.mu.Lock()
	if p.subscribed {
		existing := p.stopFn
		p.mu.Unlock()
		logger.Warn("SubscribeBars called while already subscribed, returning existing stop function")
		return existing, nil
	}

	codes := make([]string, 0, len(stockCodes))
	for _, c := range stockCodes {
		codes = append(codes, model.NormalizeCode(c))
	}

	agg, err := NewAggregator(tf)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan model.Tick, tickQueueCapacity)
	readerDone := make(chan struct{})
	consumerDone := make(chan struct{})

	go p.runReader(ctx, codes, ticks, readerDone)
	go p.runConsumer(ctx, codes, agg, ticks, fn, consumerDone)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			p.join(readerDone, consumerDone)

			p.mu.Lock()
			p.subscribed = false
			p.stopFn = nil
			p.mu.Unlock()
		})
	}

	p.subscribed = true
	p.stopFn = stop
	p.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"component": "WSProvider",
		"codes":     codes,
	}).Info("Bar subscription started")

	return stop, nil
}

// FeedStatus samples feed health for the state machine.
func (p *WSProvider) FeedStatus(now time.Time) feedhealth.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	age := time.Duration(1<<62 - 1)
	if !p.lastMsgAt.IsZero() {
		age = now.Sub(p.lastMsgAt)
	}

	return feedhealth.Status{
		StreamingEnabled: p.subscribed,
		Connected:        p.source.Connected(),
		MessageAge:       age,
		LastBarAt:        p.lastBarAt,
		CompletedBars:    p.completedBars,
	}
}

// FeedFailed reports whether a stop ever timed out waiting for the
// background goroutines.
func (p *WSProvider) FeedFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feedFailed
}

// runReader keeps the feed connection alive, reconnecting with a fixed
// backoff until the subscription context is cancelled.
func (p *WSProvider) runReader(ctx context.Context, codes []string, ticks chan<- model.Tick, done chan<- struct{}) {
	defer close(done)

	for {
		err := p.source.Run(ctx, codes, ticks)
		if ctx.Err() != nil {
			return
		}

		logger.WithError(err).Warn("Feed connection dropped, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// runConsumer is the single loop that drains the tick queue, feeds the
// aggregator and invokes the subscriber callback, preserving per-symbol
// ordering. On shutdown it flushes open bars so no partial bar is lost.
func (p *WSProvider) runConsumer(ctx context.Context, codes []string, agg *Aggregator, ticks <-chan model.Tick, fn BarCallback, done chan<- struct{}) {
	defer close(done)

	deliver := func(bar *model.Bar) {
		if bar == nil {
			return
		}

		p.mu.Lock()
		ring, ok := p.rings[bar.StockCode]
		if !ok {
			ring = newBarRing(p.ringCap)
			p.rings[bar.StockCode] = ring
		}
		ring.push(*bar)
		p.completedBars++
		p.lastBarAt = bar.EndAt
		p.mu.Unlock()

		if fn != nil {
			fn(*bar)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, code := range codes {
				deliver(agg.Flush(code))
			}
			return

		case t := <-ticks:
			p.mu.Lock()
			p.lastPrice[model.NormalizeCode(t.StockCode)] = t.Price
			p.lastMsgAt = time.Now()
			p.mu.Unlock()

			deliver(agg.AddTick(t))
		}
	}
}

// join waits for both background goroutines with a bounded timeout. A
// timed-out join still reports stopped but raises the failed flag for
// observability; it never blocks the caller indefinitely.
func (p *WSProvider) join(readerDone, consumerDone <-chan struct{}) {
	deadline := time.NewTimer(stopJoinTimeout)
	defer deadline.Stop()

	for _, ch := range []<-chan struct{}{readerDone, consumerDone} {
		select {
		case <-ch:
		case <-deadline.C:
			p.mu.Lock()
			p.feedFailed = true
			p.mu.Unlock()
			logger.Error("Timed out joining feed goroutines on stop")
			return
		}
	}
}
