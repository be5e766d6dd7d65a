package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// ATR is a streaming Average True Range indicator using Wilder's smoothing.
type ATR struct {
	period      int
	atr         decimal.Decimal
	count       int
	warmupSum   decimal.Decimal
	prevBar     model.Bar
	hasPrevious bool
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Warmup reports how many bars are needed before Value is meaningful.
// TR requires the previous bar, hence period+1.
func (a *ATR) Warmup() int {
	return a.period + 1
}

func (a *ATR) Reset() {
	a.atr = decimal.Zero
	a.count = 0
	a.warmupSum = decimal.Zero
	a.hasPrevious = false
}

func (a *ATR) Update(bar model.Bar) {
	if !a.hasPrevious {
		a.prevBar = bar
		a.hasPrevious = true
		return
	}

	tr := trueRange(bar, a.prevBar)

	if a.count < a.period {
		a.warmupSum = a.warmupSum.Add(tr)
		a.count++
		if a.count == a.period {
			a.atr = a.warmupSum.Div(decimal.NewFromInt(int64(a.period)))
		}
	} else {
		// Wilder's smoothing
		a.atr = a.atr.Mul(decimal.NewFromInt(int64(a.period - 1))).
			Add(tr).
			Div(decimal.NewFromInt(int64(a.period)))
	}

	a.prevBar = bar
}

func (a *ATR) Ready() bool {
	return a.count >= a.period
}

func (a *ATR) Value() decimal.Decimal {
	if !a.Ready() {
		return decimal.Zero
	}
	return a.atr
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(current, previous model.Bar) decimal.Decimal {
	highLow := current.High.Sub(current.Low)
	highClose := current.High.Sub(previous.Close).Abs()
	lowClose := current.Low.Sub(previous.Close).Abs()

	tr := highLow
	if highClose.GreaterThan(tr) {
		tr = highClose
	}
	if lowClose.GreaterThan(tr) {
		tr = lowClose
	}
	return tr
}
