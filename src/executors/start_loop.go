package executors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/connectors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/execution"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/feedhealth"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/krx"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/marketdata"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/notify"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/repository"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/strategy"
)

const barQueueCapacity = 256

// positionWriter is the slice of the position repository the loop itself
// writes through (protective-level updates).
type positionWriter interface {
	Save(ctx context.Context, position *model.Position) error
}

// Trader owns the control loop: one feed subscription, one health machine,
// one position. All cross-goroutine state lives behind mu; the strategy and
// the health machine are only ever touched from the loop itself.
type Trader struct {
	cfg      Config
	mode     model.TradingMode
	calendar *krx.Calendar

	broker    *connectors.KISClient
	ws        *marketdata.WSProvider
	rest      *marketdata.RESTProvider
	machine   *feedhealth.Machine
	strat     *strategy.TrendATR
	orders    *execution.OrderSynchronizer
	resync    *execution.Resynchronizer
	positions positionWriter
	notifier  *notify.DiscordNotifier

	bars   chan model.Bar
	stopWS marketdata.StopFunc

	mu              sync.Mutex
	decision        feedhealth.Decision
	allowNewEntries bool
	riskStop        bool
	gapBlocked      bool
	gapCheckedDay   string
	position        *model.Position
}

// NewTrader wires the production collaborators.
func NewTrader(cfg Config) *Trader {
	mode := model.TradingModeFromEnv()
	kisCfg := connectors.GetConfig()
	broker := connectors.NewKISClient(kisCfg, mode)
	calendar := krx.NewCalendar()

	rest := marketdata.NewRESTProvider(broker)
	source := connectors.NewKISWebsocket(kisCfg, broker, calendar.Location())
	ws := marketdata.NewWSProvider(source, rest, cfg.RingCapacity)

	positions := repository.NewPositionRepository()
	orderStates := repository.NewOrderStateRepository()
	trades := repository.NewTradeRepository()

	machine := feedhealth.NewMachine(feedhealth.Config{
		StalenessThreshold: cfg.FeedStalenessThreshold,
		StartupGrace:       cfg.FeedStartupGrace,
		RecoveryPolicy:     feedhealth.RecoveryPolicy(cfg.FeedRecoveryPolicy),
		RecoveryStableFor:  cfg.FeedRecoveryStableFor,
		RecoveryMinBars:    cfg.FeedRecoveryMinBars,
	}, time.Now())

	return &Trader{
		cfg:       cfg,
		mode:      mode,
		calendar:  calendar,
		broker:    broker,
		ws:        ws,
		rest:      rest,
		machine:   machine,
		strat:     strategy.NewTrendATR(strategy.GetConfig()),
		orders:    execution.NewOrderSynchronizer(mode, broker, orderStates, trades, positions),
		resync:    execution.NewResynchronizer(mode, broker, positions),
		positions: positions,
		notifier:  notify.NewDiscordNotifier(notify.GetConfig()),
		bars:      make(chan model.Bar, barQueueCapacity),
	}
}

// StartLoop runs startup reconciliation, subscribes the feed, and drives
// the trading loop until the context is cancelled.
func StartLoop(ctx context.Context) error {
	trader := NewTrader(GetConfig())
	return trader.Run(ctx)
}

func (t *Trader) Run(ctx context.Context) error {
	code := model.NormalizeCode(t.cfg.TargetSymbol)

	log := logger.WithFields(map[string]interface{}{
		"component": "Trader",
		"mode":      t.mode,
		"code":      code,
	})

	report, err := t.resync.SynchronizeOnStartup(ctx, code)
	if err != nil {
		log.WithError(err).Error("Startup reconciliation failed; new entries stay blocked")
		t.notifyf(notify.ColorError, "Reconciliation failed", "%s: %v", code, err)
	} else {
		log.WithField("summary", report.Summary).Info("Startup reconciliation complete")
		if report.ZombiesClosed > 0 || report.Action != execution.ActionNone {
			t.notifyf(notify.ColorInfo, "Reconciliation", "%s", report.Summary)
		}
	}

	t.mu.Lock()
	t.allowNewEntries = report.AllowNewEntries
	t.position = report.Position
	t.mu.Unlock()

	stop, err := t.ws.SubscribeBars([]string{code}, model.TimeframeMinute1, t.onBar)
	if err != nil {
		return fmt.Errorf("subscribe bars: %w", err)
	}
	t.stopWS = stop
	defer stop()

	ticker := time.NewTicker(t.cfg.LoopPeriod)
	defer ticker.Stop()
	sweeper := time.NewTicker(t.cfg.SweepPeriod)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("loop stopped")
			return nil

		case <-sweeper.C:
			if count, err := t.orders.CleanupStalePendingOrders(ctx); err != nil {
				log.WithError(err).Error("Stale pending sweep failed")
			} else if count > 0 {
				log.WithField("cancelled", count).Warn("Stale pending orders cancelled")
			}

		case <-ticker.C:
			t.safeIteration(ctx, code)
		}
	}
}

// onBar is the subscription callback: it only enqueues. Strategy decisions
// run serialized inside the loop iteration.
func (t *Trader) onBar(b model.Bar) {
	select {
	case t.bars <- b:
	default:
		logger.WithField("code", b.StockCode).Warn("Bar queue full, dropping completed bar")
	}
}

// safeIteration keeps the loop alive through panics: report, cool down,
// carry on.
func (t *Trader) safeIteration(ctx context.Context, code string) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Recovered panic in trading loop")
			t.notifyf(notify.ColorError, "Loop panic", "%v", r)
			time.Sleep(t.cfg.PanicCooldown)
		}
	}()

	t.iterate(ctx, code)
}

func (t *Trader) iterate(ctx context.Context, code string) {
	now := time.Now()
	inSession := t.calendar.InSession(now)

	t.mu.Lock()
	riskStop := t.riskStop
	t.mu.Unlock()

	decision := t.machine.Evaluate(now, inSession, t.ws.FeedStatus(now), riskStop)
	t.mu.Lock()
	t.decision = decision
	t.mu.Unlock()

	if decision.Transition != nil {
		logger.WithFields(map[string]interface{}{
			"from": decision.Transition.From,
			"to":   decision.Transition.To,
		}).Warn("Feed overlay transition")
		t.notifyf(notify.ColorWarn, "Feed overlay transition", "%s → %s (active source: %s)",
			decision.Transition.From, decision.Transition.To, decision.Policy.ActiveFeedMode)
	}

	if !inSession {
		t.drainBars()
		return
	}

	t.checkGapProtection(now, code)

	for _, bar := range t.takeBars() {
		t.handleBar(ctx, bar, decision.Policy)
	}

	t.manageStops(ctx, code, decision.Policy)
}

// takeBars drains the queue without blocking.
func (t *Trader) takeBars() []model.Bar {
	var out []model.Bar
	for {
		select {
		case b := <-t.bars:
			out = append(out, b)
		default:
			return out
		}
	}
}

func (t *Trader) drainBars() {
	for range t.takeBars() {
	}
}

func (t *Trader) handleBar(ctx context.Context, bar model.Bar, policy feedhealth.Policy) {
	t.mu.Lock()
	holding := t.position != nil && t.position.IsOpen()
	allowNew := t.allowNewEntries && !t.gapBlocked
	t.mu.Unlock()

	signal := t.strat.OnBar(bar, holding)
	if signal == nil {
		return
	}

	switch signal.Action {
	case strategy.SignalEnter:
		if policy.Halted {
			logger.Warn("Entry signal ignored: trading halted by risk stop")
			return
		}
		if policy.ActiveFeedMode != feedhealth.FeedModeWS {
			logger.Warn("Entry signal ignored: feed degraded, REST is authoritative")
			return
		}
		if !allowNew {
			logger.Warn("Entry signal ignored: new entries blocked")
			return
		}
		t.enter(ctx, signal)

	case strategy.SignalExit:
		// Exits run even degraded or halted: closing risk beats data purity.
		t.exit(ctx, signal, "trend exit")
	}
}

func (t *Trader) enter(ctx context.Context, signal *strategy.Signal) {
	result, err := t.orders.ExecuteBuyOrder(ctx, signal.StockCode, t.cfg.OrderQuantity, signal.ID, signal.Price)
	if err != nil {
		logger.WithError(err).Error("Entry order failed")
		t.notifyf(notify.ColorError, "Entry failed", "%s: %v", signal.StockCode, err)
		return
	}
	if result.Status != execution.ExecutionSuccess {
		return
	}

	stopLoss, takeProfit := t.strat.InitialStops(signal.Price, signal.ATR)
	position := result.Position
	position.StopLoss = stopLoss
	position.TakeProfit = takeProfit
	position.TrailingSL = stopLoss
	position.ATRAtEntry = signal.ATR
	if err := t.positions.Save(ctx, position); err != nil {
		logger.WithError(err).Error("Failed to persist protective levels")
	}

	t.mu.Lock()
	t.position = position
	t.mu.Unlock()

	t.notifyf(notify.ColorInfo, "Entered", "%s x%d @ %s (SL %s / TP %s)",
		signal.StockCode, t.cfg.OrderQuantity, signal.Price, stopLoss, takeProfit)
}

func (t *Trader) exit(ctx context.Context, signal *strategy.Signal, reason string) {
	t.mu.Lock()
	position := t.position
	t.mu.Unlock()
	if position == nil || !position.IsOpen() {
		return
	}

	result, err := t.orders.ExecuteSellOrder(ctx, signal.StockCode, position.Quantity, signal.ID, signal.Price)
	if err != nil || result.Status == execution.ExecutionFailed {
		// A failed close leaves the position live. Flag the operator and
		// flip the risk stop so no new entries stack on top of it.
		logger.WithError(err).Error("Exit order failed; position still open")
		t.notifyf(notify.ColorError, "EXIT FAILED", "%s: %s (%v)", signal.StockCode, result.Message, err)
		t.mu.Lock()
		t.riskStop = true
		t.mu.Unlock()
		return
	}
	if result.Status != execution.ExecutionSuccess {
		return
	}

	t.mu.Lock()
	t.position = result.Position
	t.mu.Unlock()

	t.notifyf(notify.ColorInfo, "Exited", "%s @ %s (%s)", signal.StockCode, signal.Price, reason)
}

// manageStops checks protective levels against the freshest price and
// tightens the trailing stop from recent completed bars.
func (t *Trader) manageStops(ctx context.Context, code string, policy feedhealth.Policy) {
	t.mu.Lock()
	position := t.position
	t.mu.Unlock()
	if position == nil || !position.IsOpen() {
		return
	}

	price, err := t.activeProvider(policy).GetLatestPrice(code)
	if err != nil {
		logger.WithError(err).Error("Latest price unavailable for stop check")
		return
	}

	t.checkRiskStop(position, price)

	// Trailing bars always come from the ws ring, even under the rest
	// policy: the REST fallback synthesizes flat bars whose equal lows
	// would drag the candidate stop to the last price. Stale real bars
	// at worst leave the stop where it is.
	bars, err := t.ws.GetRecentBars(code, t.strat.Warmup(), model.TimeframeMinute1)
	if err == nil && len(bars) >= 2 {
		if next, moved := strategy.ComputeNextTrailingStop(position.TrailingSL, bars, 0); moved {
			position.TrailingSL = next
			if err := t.positions.Save(ctx, position); err != nil {
				logger.WithError(err).Error("Failed to persist trailing stop")
			} else {
				logger.WithField("trailing_sl", next).Info("Trailing stop tightened")
			}
		}
	}

	stop := position.TrailingSL
	if stop.IsZero() || (position.StopLoss.GreaterThan(stop) && !position.StopLoss.IsZero()) {
		stop = position.StopLoss
	}

	var reason string
	switch {
	case !stop.IsZero() && price.LessThanOrEqual(stop):
		reason = "stop loss"
	case !position.TakeProfit.IsZero() && price.GreaterThanOrEqual(position.TakeProfit):
		reason = "take profit"
	default:
		return
	}

	signalID := fmt.Sprintf("EXIT-%s-%s", code, time.Now().In(t.calendar.Location()).Format("200601021504"))
	t.exit(ctx, &strategy.Signal{
		ID:        signalID,
		Action:    strategy.SignalExit,
		StockCode: code,
		Price:     price,
	}, reason)
}

// checkRiskStop flips the halt flag on a deep unrealized loss. The flag is
// one-way: only an operator restart clears it.
func (t *Trader) checkRiskStop(position *model.Position, price decimal.Decimal) {
	if t.cfg.RiskStopLossPct <= 0 || position.AvgPrice.Sign() <= 0 {
		return
	}

	t.mu.Lock()
	already := t.riskStop
	t.mu.Unlock()
	if already {
		return
	}

	lossPct := position.AvgPrice.Sub(price).
		Div(position.AvgPrice).
		Mul(decimal.NewFromInt(100))
	if lossPct.LessThan(decimal.NewFromFloat(t.cfg.RiskStopLossPct)) {
		return
	}

	t.mu.Lock()
	t.riskStop = true
	t.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"loss_pct": lossPct.Round(2),
		"price":    price,
		"avg":      position.AvgPrice,
	}).Error("Risk stop triggered")
	t.notifyf(notify.ColorError, "RISK STOP", "%s loss %s%% at %s", position.StockCode, lossPct.Round(2), price)
}

// checkGapProtection runs once per session day: a deep opening gap down
// against the prior daily close blocks entries for the rest of the day.
func (t *Trader) checkGapProtection(now time.Time, code string) {
	day := now.In(t.calendar.Location()).Format("2006-01-02")

	t.mu.Lock()
	alreadyChecked := t.gapCheckedDay == day
	t.mu.Unlock()
	if alreadyChecked {
		return
	}

	blocked := false
	stratCfg := strategy.GetConfig()
	if stratCfg.GapProtectionPct > 0 {
		daily, err := t.rest.GetRecentBars(code, 2, model.TimeframeDay1)
		if err != nil || len(daily) < 2 {
			logger.WithError(err).Warn("Gap check skipped: daily bars unavailable")
			return
		}
		threshold := decimal.NewFromFloat(stratCfg.GapProtectionPct)
		today := daily[len(daily)-1]
		reference := daily[len(daily)-2].Close
		blocked = strategy.GapProtectionTriggered(today.Open, reference, &threshold)
	}

	t.mu.Lock()
	t.gapCheckedDay = day
	t.gapBlocked = blocked
	t.mu.Unlock()

	if blocked {
		t.notifyf(notify.ColorWarn, "Gap protection", "%s entries blocked for %s", code, day)
	}
}

func (t *Trader) activeProvider(policy feedhealth.Policy) marketdata.Provider {
	if policy.ActiveFeedMode == feedhealth.FeedModeREST {
		return t.rest
	}
	return t.ws
}

// StatusSnapshot feeds the /status endpoint.
func (t *Trader) StatusSnapshot() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := map[string]interface{}{
		"mode":              t.mode,
		"overlay":           t.decision.Overlay,
		"active_feed_mode":  t.decision.Policy.ActiveFeedMode,
		"ws_should_run":     t.decision.Policy.WSShouldRun,
		"halted":            t.decision.Policy.Halted,
		"allow_new_entries": t.allowNewEntries,
		"gap_blocked":       t.gapBlocked,
	}
	if t.ws != nil {
		snapshot["feed_failed"] = t.ws.FeedFailed()
	}
	if t.position != nil && t.position.IsOpen() {
		snapshot["position"] = t.position
	}
	return snapshot
}

func (t *Trader) notifyf(color int, title, format string, args ...interface{}) {
	if err := t.notifier.SendAlert(title, fmt.Sprintf(format, args...), color); err != nil {
		logger.WithError(err).Debug("Notification delivery failed")
	}
}
