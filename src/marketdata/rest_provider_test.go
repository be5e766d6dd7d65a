package marketdata

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

type stubQuoteClient struct {
	price    decimal.Decimal
	priceErr error
	daily    []model.Bar
}

func (c *stubQuoteClient) GetCurrentPrice(string) (decimal.Decimal, error) {
	return c.price, c.priceErr
}

func (c *stubQuoteClient) GetDailyOHLCV(string, int) ([]model.Bar, error) {
	return c.daily, nil
}

func TestRESTProviderSynthesizesFlatMinuteBars(t *testing.T) {
	client := &stubQuoteClient{price: decimal.NewFromInt(70000)}
	p := NewRESTProvider(client)
	p.now = func() time.Time {
		return time.Date(2026, 9, 1, 10, 30, 42, 0, time.UTC)
	}

	bars, err := p.GetRecentBars("5930", 3, model.TimeframeMinute1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}

	last := bars[len(bars)-1]
	wantEnd := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)
	if !last.EndAt.Equal(wantEnd) {
		t.Fatalf("bars should end at the last completed minute, got %s", last.EndAt)
	}

	for i, b := range bars {
		if b.Open.String() != "70000" || !b.Open.Equal(b.High) || !b.High.Equal(b.Low) || !b.Low.Equal(b.Close) {
			t.Fatalf("bar %d is not flat: %+v", i, b)
		}
		if b.Volume != 0 {
			t.Fatalf("synthetic bar %d must carry zero volume", i)
		}
		if b.StockCode != "005930" {
			t.Fatalf("symbol not normalized: %s", b.StockCode)
		}
		if i > 0 && !bars[i-1].EndAt.Equal(b.StartAt) {
			t.Fatalf("bars %d/%d are not contiguous", i-1, i)
		}
	}
}

func TestRESTProviderPropagatesPriceErrors(t *testing.T) {
	client := &stubQuoteClient{priceErr: errors.New("quote endpoint down")}
	p := NewRESTProvider(client)

	if _, err := p.GetRecentBars("005930", 3, model.TimeframeMinute1); err == nil {
		t.Fatalf("expected error when the price fetch fails")
	}
}

func TestRESTProviderDailyBarsComeFromBroker(t *testing.T) {
	daily := []model.Bar{{StockCode: "005930", Timeframe: model.TimeframeDay1}}
	p := NewRESTProvider(&stubQuoteClient{daily: daily})

	bars, err := p.GetRecentBars("005930", 1, model.TimeframeDay1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 1 || bars[0].Timeframe != model.TimeframeDay1 {
		t.Fatalf("expected broker daily bars, got %+v", bars)
	}
}

func TestRESTProviderSubscribeReturnsNilStop(t *testing.T) {
	p := NewRESTProvider(&stubQuoteClient{})

	stop, err := p.SubscribeBars([]string{"005930"}, model.TimeframeMinute1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != nil {
		t.Fatalf("polling provider must return a nil stop function")
	}
}
