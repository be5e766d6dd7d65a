package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// QuoteClient is the broker surface the polling provider needs.
type QuoteClient interface {
	GetCurrentPrice(stockCode string) (decimal.Decimal, error)
	GetDailyOHLCV(stockCode string, n int) ([]model.Bar, error)
}

// RESTProvider serves bars by polling the broker's history endpoints.
//
// The broker has no 1-minute history endpoint, so GetRecentBars for the
// 1-minute timeframe synthesizes n flat bars (O=H=L=C = last known price,
// volume 0) ending at the most recently completed minute. Synthesized bars
// are shape-identical to genuinely streamed bars and are not tagged as
// synthetic; strategy code is written expecting this substitution. That is
// a known correctness risk, preserved deliberately.
type RESTProvider struct {
	client QuoteClient
	now    func() time.Time
}

func NewRESTProvider(client QuoteClient) *RESTProvider {
	return &RESTProvider{client: client, now: time.Now}
}

func (p *RESTProvider) GetRecentBars(stockCode string, n int, tf model.Timeframe) ([]model.Bar, error) {
	code := model.NormalizeCode(stockCode)
	if n <= 0 {
		return nil, fmt.Errorf("bar count must be positive, got %d", n)
	}

	switch tf {
	case model.TimeframeDay1:
		return p.client.GetDailyOHLCV(code, n)
	case model.TimeframeMinute1:
		return p.synthesizeMinuteBars(code, n)
	default:
		return nil, fmt.Errorf("%w: %s", ErrTimeframeUnsupported, tf)
	}
}

func (p *RESTProvider) GetLatestPrice(stockCode string) (decimal.Decimal, error) {
	return p.client.GetCurrentPrice(model.NormalizeCode(stockCode))
}

// SubscribeBars is a no-op for the polling provider: there is no stream to
// subscribe to, so the stop function is nil.
func (p *RESTProvider) SubscribeBars(_ []string, tf model.Timeframe, _ BarCallback) (StopFunc, error) {
	if tf != model.TimeframeMinute1 {
		return nil, fmt.Errorf("%w: %s", ErrTimeframeUnsupported, tf)
	}
	return nil, nil
}

func (p *RESTProvider) synthesizeMinuteBars(code string, n int) ([]model.Bar, error) {
	price, err := p.client.GetCurrentPrice(code)
	if err != nil {
		return nil, fmt.Errorf("fetch last price for synthetic bars: %w", err)
	}

	lastCompleted := p.now().Truncate(time.Minute)

	logger.WithFields(map[string]interface{}{
		"component": "RESTProvider",
		"code":      code,
		"bars":      n,
	}).Debug("Synthesizing flat 1m bars from last price")

	bars := make([]model.Bar, 0, n)
	for i := n; i >= 1; i-- {
		start := lastCompleted.Add(-time.Duration(i) * time.Minute)
		bars = append(bars, model.Bar{
			StockCode: code,
			Timeframe: model.TimeframeMinute1,
			StartAt:   start,
			EndAt:     start.Add(time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    0,
		})
	}
	return bars, nil
}
