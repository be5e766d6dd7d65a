package strategy

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

type Config struct {
	ATRPeriod         int     `envconfig:"ATR_PERIOD" default:"14"`
	SMAPeriod         int     `envconfig:"SMA_PERIOD" default:"20"`
	StopLossATRMult   float64 `envconfig:"STOP_LOSS_ATR_MULT" default:"2.0"`
	TakeProfitATRMult float64 `envconfig:"TAKE_PROFIT_ATR_MULT" default:"3.0"`
	TrailLookback     int     `envconfig:"TRAIL_LOOKBACK" default:"20"`
	// Percent gap down against the reference close that blocks entries for
	// the session. Zero disables.
	GapProtectionPct float64 `envconfig:"GAP_PROTECTION_PCT" default:"0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

const (
	SignalEnter = "ENTER"
	SignalExit  = "EXIT"
)

// Signal is an entry or exit intent for one symbol. The ID is deterministic
// for a given (action, symbol, bar) so a re-evaluated bar maps to the same
// order idempotency key.
type Signal struct {
	ID        string
	Action    string
	StockCode string
	Price     decimal.Decimal
	ATR       decimal.Decimal
	Reason    string
}

// SignalIDFor derives the deterministic signal id for a bar decision.
func SignalIDFor(action, stockCode string, bar model.Bar) string {
	return fmt.Sprintf("%s-%s-%s", action, model.NormalizeCode(stockCode), bar.StartAt.UTC().Format("200601021504"))
}

// TrendATR enters when price closes above its moving average with the ATR
// warmed up, and exits when price closes back below it. Stops and trailing
// updates are derived from the ATR at entry.
type TrendATR struct {
	cfg    Config
	atr    *ATR
	closes []decimal.Decimal
}

func NewTrendATR(cfg Config) *TrendATR {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = 20
	}
	return &TrendATR{cfg: cfg, atr: NewATR(cfg.ATRPeriod)}
}

// Warmup reports how many completed bars are needed before OnBar can emit.
func (s *TrendATR) Warmup() int {
	if s.cfg.SMAPeriod > s.atr.Warmup() {
		return s.cfg.SMAPeriod
	}
	return s.atr.Warmup()
}

// OnBar consumes one completed bar and returns an intent, or nil. The
// position argument tells the strategy whether it currently holds.
func (s *TrendATR) OnBar(bar model.Bar, holding bool) *Signal {
	s.atr.Update(bar)
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.cfg.SMAPeriod {
		s.closes = s.closes[len(s.closes)-s.cfg.SMAPeriod:]
	}

	if len(s.closes) < s.cfg.SMAPeriod || !s.atr.Ready() {
		return nil
	}

	sma := average(s.closes)

	if holding {
		if bar.Close.LessThan(sma) {
			return &Signal{
				ID:        SignalIDFor(SignalExit, bar.StockCode, bar),
				Action:    SignalExit,
				StockCode: bar.StockCode,
				Price:     bar.Close,
				ATR:       s.atr.Value(),
				Reason:    fmt.Sprintf("close %s below SMA(%d) %s", bar.Close, s.cfg.SMAPeriod, sma.Round(2)),
			}
		}
		return nil
	}

	if bar.Close.GreaterThan(sma) {
		return &Signal{
			ID:        SignalIDFor(SignalEnter, bar.StockCode, bar),
			Action:    SignalEnter,
			StockCode: bar.StockCode,
			Price:     bar.Close,
			ATR:       s.atr.Value(),
			Reason:    fmt.Sprintf("close %s above SMA(%d) %s", bar.Close, s.cfg.SMAPeriod, sma.Round(2)),
		}
	}
	return nil
}

// InitialStops derives the protective levels for a fresh entry from the ATR
// at entry time.
func (s *TrendATR) InitialStops(entryPrice, atr decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	slMult := decimal.NewFromFloat(s.cfg.StopLossATRMult)
	tpMult := decimal.NewFromFloat(s.cfg.TakeProfitATRMult)

	stopLoss = pricing.QuantizePrice(entryPrice.Sub(atr.Mul(slMult)))
	takeProfit = pricing.QuantizePrice(entryPrice.Add(atr.Mul(tpMult)))
	return stopLoss, takeProfit
}

// GapProtectionTriggered blocks entries when the session open gaps down
// against the reference close by more than thresholdPct percent. A nil or
// zero threshold disables the check; positive gaps never trigger.
func GapProtectionTriggered(open, reference decimal.Decimal, thresholdPct *decimal.Decimal) bool {
	if thresholdPct == nil || thresholdPct.IsZero() {
		return false
	}
	if reference.IsZero() {
		return false
	}

	gapPct := open.Sub(reference).Div(reference).Mul(decimal.NewFromInt(100))
	if gapPct.Sign() >= 0 {
		return false
	}

	triggered := gapPct.Abs().GreaterThan(*thresholdPct)
	if triggered {
		logger.WithFields(map[string]interface{}{
			"component": "GapProtection",
			"open":      open,
			"reference": reference,
			"gap_pct":   gapPct.Round(2),
			"threshold": thresholdPct,
		}).Warn("Opening gap exceeds threshold; entries blocked")
	}
	return triggered
}

// ComputeNextTrailingStop tightens a long trailing stop from recent bars.
// Gate: previous bar bullish. Floor: avg(low) over the lookback, clamped to
// the previous bar's low. The stop only ever moves up.
func ComputeNextTrailingStop(currentSL decimal.Decimal, bars []model.Bar, lookback int) (decimal.Decimal, bool) {
	if len(bars) < 2 {
		return currentSL, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}

	prev := bars[len(bars)-2]
	if !prev.Close.GreaterThan(prev.Open) {
		return currentSL, false
	}

	window := bars[len(bars)-lookback:]
	candidate := avgLow(window)
	if candidate.GreaterThan(prev.Low) {
		candidate = prev.Low
	}

	if candidate.GreaterThan(currentSL) {
		return pricing.QuantizePrice(candidate), true
	}
	return currentSL, false
}

func average(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func avgLow(bars []model.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Low)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}
