package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/connectors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

// Reconciliation actions for the target symbol.
const (
	ActionNoPosition  = "NO_POSITION"
	ActionNone        = "NONE"
	ActionQtyAdjusted = "QTY_ADJUSTED"
	ActionAvgAdjusted = "AVG_ADJUSTED"
)

const defaultHoldingsCacheTTL = 30 * time.Second

// HoldingsGateway is the broker surface the resynchronizer reads from.
type HoldingsGateway interface {
	GetHoldings() ([]connectors.Holding, error)
}

type resyncPositionStore interface {
	GetOpenPositions(ctx context.Context, mode model.TradingMode) ([]model.Position, error)
	GetByStockCode(ctx context.Context, mode model.TradingMode, stockCode string) (*model.Position, error)
	UpsertFromHolding(ctx context.Context, mode model.TradingMode, stockCode string, quantity int64, avgPrice decimal.Decimal) (*model.Position, error)
	ClosePosition(ctx context.Context, position *model.Position) error
}

// SyncReport is the outcome of one startup reconciliation run. New entries
// stay blocked until a run with Success=true.
type SyncReport struct {
	Success         bool
	Action          string
	Position        *model.Position
	Summary         string
	Warnings        []string
	ZombiesClosed   int
	AllowNewEntries bool
}

// Resynchronizer overwrites locally stored position state with the broker's
// holdings, which are ground truth for quantity and average price. Runs
// once at startup before any trading decision.
type Resynchronizer struct {
	mode      model.TradingMode
	broker    HoldingsGateway
	positions resyncPositionStore

	cacheTTL time.Duration
	now      func() time.Time

	cachedHoldings []connectors.Holding
	cachedAt       time.Time
}

func NewResynchronizer(mode model.TradingMode, broker HoldingsGateway, positions resyncPositionStore) *Resynchronizer {
	return &Resynchronizer{
		mode:      mode,
		broker:    broker,
		positions: positions,
		cacheTTL:  defaultHoldingsCacheTTL,
		now:       time.Now,
	}
}

// holdings returns broker holdings, re-using the last fetch inside a short
// window so repeated reconciliation calls do not hammer the balance
// endpoint.
func (r *Resynchronizer) holdings() ([]connectors.Holding, error) {
	if r.cachedHoldings != nil && r.now().Sub(r.cachedAt) < r.cacheTTL {
		return r.cachedHoldings, nil
	}

	holdings, err := r.broker.GetHoldings()
	if err != nil {
		return nil, err
	}

	r.cachedHoldings = holdings
	r.cachedAt = r.now()
	return holdings, nil
}

// SynchronizeOnStartup reconciles the target symbol and sweeps zombie rows.
// Any broker failure aborts the run with Success=false and keeps new
// entries blocked; the local state is never guessed at.
func (r *Resynchronizer) SynchronizeOnStartup(ctx context.Context, targetCode string) (*SyncReport, error) {
	code := model.NormalizeCode(targetCode)
	report := &SyncReport{Action: ActionNone}

	log := logger.WithFields(map[string]interface{}{
		"component": "Resynchronizer",
		"op":        "SynchronizeOnStartup",
		"mode":      r.mode,
		"code":      code,
	})

	holdings, err := r.holdings()
	if err != nil {
		log.WithError(err).Error("Broker holdings fetch failed; blocking new entries")
		report.Summary = "holdings fetch failed: " + err.Error()
		return report, err
	}

	held := make(map[string]connectors.Holding, len(holdings))
	for _, h := range holdings {
		held[model.NormalizeCode(h.StockCode)] = h
	}

	openPositions, err := r.positions.GetOpenPositions(ctx, r.mode)
	if err != nil {
		report.Summary = "open-position fetch failed: " + err.Error()
		return report, err
	}

	for i := range openPositions {
		position := &openPositions[i]
		if _, ok := held[position.StockCode]; ok {
			continue
		}

		// Open in the DB, absent at the broker: closed outside this
		// process while it was down.
		log.WithField("zombie", position.StockCode).Warn("Closing zombie position absent from broker holdings")
		if err := r.positions.ClosePosition(ctx, position); err != nil {
			report.Summary = "zombie close failed: " + err.Error()
			return report, err
		}
		report.ZombiesClosed++
		report.Warnings = append(report.Warnings, fmt.Sprintf("closed zombie position %s", position.StockCode))
	}

	action, position, err := r.reconcileTarget(ctx, code, held)
	if err != nil {
		report.Summary = "target reconciliation failed: " + err.Error()
		return report, err
	}

	report.Success = true
	report.AllowNewEntries = true
	report.Action = action
	report.Position = position
	report.Summary = fmt.Sprintf("action=%s zombies_closed=%d", action, report.ZombiesClosed)

	log.WithFields(map[string]interface{}{
		"action":  action,
		"zombies": report.ZombiesClosed,
	}).Info("Startup reconciliation complete")

	return report, nil
}

func (r *Resynchronizer) reconcileTarget(ctx context.Context, code string, held map[string]connectors.Holding) (string, *model.Position, error) {
	holding, hasHolding := held[code]

	local, err := r.positions.GetByStockCode(ctx, r.mode, code)
	if err != nil {
		return ActionNone, nil, err
	}

	if !hasHolding {
		// A lingering local row was already closed by the zombie sweep.
		return ActionNoPosition, nil, nil
	}

	brokerAvg := pricing.QuantizePrice(holding.AvgPrice)

	switch {
	case local == nil || local.Quantity != holding.Quantity:
		position, err := r.positions.UpsertFromHolding(ctx, r.mode, code, holding.Quantity, brokerAvg)
		if err != nil {
			return ActionNone, nil, err
		}
		return ActionQtyAdjusted, position, nil

	case !local.AvgPrice.Equal(brokerAvg):
		position, err := r.positions.UpsertFromHolding(ctx, r.mode, code, holding.Quantity, brokerAvg)
		if err != nil {
			return ActionNone, nil, err
		}
		return ActionAvgAdjusted, position, nil

	default:
		return ActionNone, local, nil
	}
}
