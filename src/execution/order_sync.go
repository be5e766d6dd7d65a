package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/connectors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

// Execution results. FAILED carries the broker message; DUPLICATE means the
// signal was already acted on and the stored order state was returned
// instead of submitting again.
const (
	ExecutionSuccess   = "SUCCESS"
	ExecutionFailed    = "FAILED"
	ExecutionDuplicate = "DUPLICATE"
)

// Result is what an order attempt produced. Position is the post-fill row
// for SUCCESS, or the untouched row otherwise.
type Result struct {
	Status   string
	OrderNo  string
	Message  string
	Position *model.Position
}

// OrderGateway is the broker surface the synchronizer submits through.
type OrderGateway interface {
	PlaceSellOrder(stockCode string, quantity int64) (*connectors.OrderResponse, error)
	PlaceBuyOrder(stockCode string, quantity int64) (*connectors.OrderResponse, error)
}

type orderStore interface {
	GetOrderState(ctx context.Context, key string) (*model.OrderState, error)
	Upsert(ctx context.Context, state *model.OrderState) (string, error)
	CancelStalePending(ctx context.Context, mode model.TradingMode, olderThan time.Duration) (int64, error)
}

type tradeStore interface {
	SaveExecutionFill(ctx context.Context, fill *model.TradeRecord) (*model.TradeRecord, bool, error)
}

type positionStore interface {
	GetByStockCode(ctx context.Context, mode model.TradingMode, stockCode string) (*model.Position, error)
	Save(ctx context.Context, position *model.Position) error
	ClosePosition(ctx context.Context, position *model.Position) error
}

// OrderKeyFor builds the idempotency key for a strategy signal. The mode
// prefix keeps paper and real attempts for the same signal id distinct.
func OrderKeyFor(mode model.TradingMode, signalID string) string {
	return fmt.Sprintf("ord:%s:%s", mode, signalID)
}

const defaultStalePendingAge = 10 * time.Minute

// OrderSynchronizer submits orders exactly once per signal and keeps the
// order-state and fill ledgers consistent with what the broker accepted.
type OrderSynchronizer struct {
	mode      model.TradingMode
	broker    OrderGateway
	orders    orderStore
	trades    tradeStore
	positions positionStore

	stalePendingAge time.Duration
	now             func() time.Time
}

func NewOrderSynchronizer(mode model.TradingMode, broker OrderGateway, orders orderStore, trades tradeStore, positions positionStore) *OrderSynchronizer {
	return &OrderSynchronizer{
		mode:            mode,
		broker:          broker,
		orders:          orders,
		trades:          trades,
		positions:       positions,
		stalePendingAge: defaultStalePendingAge,
		now:             time.Now,
	}
}

// ExecuteSellOrder submits a market sell for a strategy exit signal.
// Calling it again with the same signal id observes the stored order state
// instead of submitting a second order. A broker rejection is persisted as
// FAILED and returned, never swallowed; the caller owns the fallback path
// for a failed close.
func (s *OrderSynchronizer) ExecuteSellOrder(ctx context.Context, stockCode string, quantity int64, signalID string, fillPrice decimal.Decimal) (*Result, error) {
	code := model.NormalizeCode(stockCode)
	if signalID == "" {
		// Manual invocations get a random key; they are never retried.
		signalID = uuid.NewString()
	}
	key := OrderKeyFor(s.mode, signalID)

	log := logger.WithFields(map[string]interface{}{
		"component": "OrderSynchronizer",
		"op":        "ExecuteSellOrder",
		"code":      code,
		"qty":       quantity,
		"key":       key,
	})

	if quantity <= 0 {
		return &Result{Status: ExecutionFailed, Message: pricing.ErrInvalidQuantity.Error()}, pricing.ErrInvalidQuantity
	}

	if dup, err := s.findExisting(ctx, key); err != nil || dup != nil {
		return dup, err
	}

	position, err := s.positions.GetByStockCode(ctx, s.mode, code)
	if err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}
	if position == nil {
		log.Warn("Sell requested with no open position")
		return &Result{Status: ExecutionFailed, Message: "no open position for " + code}, nil
	}
	if quantity > position.Quantity {
		err := fmt.Errorf("%w: have %d, selling %d", pricing.ErrOversell, position.Quantity, quantity)
		log.WithError(err).Error("Rejecting oversized sell before submission")
		return &Result{Status: ExecutionFailed, Message: err.Error(), Position: position}, err
	}

	state := &model.OrderState{
		IdempotencyKey: key,
		TradingMode:    s.mode,
		StockCode:      code,
		Side:           model.OrderSideSell,
		Quantity:       quantity,
		Status:         model.OrderStatusPending,
	}
	if _, err := s.orders.Upsert(ctx, state); err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}

	resp, err := s.broker.PlaceSellOrder(code, quantity)
	if err != nil {
		return s.markFailed(ctx, state, err)
	}

	result, err := s.applySellFill(ctx, state, position, resp, fillPrice)
	if err != nil {
		return result, err
	}

	log.WithField("order_no", resp.OrderNo).Info("Sell order executed")
	return result, nil
}

// ExecuteBuyOrder submits a market buy for an entry signal, then folds the
// fill into the open position with a weighted-average price update.
func (s *OrderSynchronizer) ExecuteBuyOrder(ctx context.Context, stockCode string, quantity int64, signalID string, fillPrice decimal.Decimal) (*Result, error) {
	code := model.NormalizeCode(stockCode)
	if signalID == "" {
		signalID = uuid.NewString()
	}
	key := OrderKeyFor(s.mode, signalID)

	log := logger.WithFields(map[string]interface{}{
		"component": "OrderSynchronizer",
		"op":        "ExecuteBuyOrder",
		"code":      code,
		"qty":       quantity,
		"key":       key,
	})

	if quantity <= 0 {
		return &Result{Status: ExecutionFailed, Message: pricing.ErrInvalidQuantity.Error()}, pricing.ErrInvalidQuantity
	}

	if dup, err := s.findExisting(ctx, key); err != nil || dup != nil {
		return dup, err
	}

	state := &model.OrderState{
		IdempotencyKey: key,
		TradingMode:    s.mode,
		StockCode:      code,
		Side:           model.OrderSideBuy,
		Quantity:       quantity,
		Status:         model.OrderStatusPending,
	}
	if _, err := s.orders.Upsert(ctx, state); err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}

	resp, err := s.broker.PlaceBuyOrder(code, quantity)
	if err != nil {
		return s.markFailed(ctx, state, err)
	}

	result, err := s.applyBuyFill(ctx, state, resp, fillPrice)
	if err != nil {
		return result, err
	}

	log.WithField("order_no", resp.OrderNo).Info("Buy order executed")
	return result, nil
}

// CleanupStalePendingOrders flips PENDING rows older than the configured
// threshold to CANCELLED so a crash mid-order cannot leave a key blocked as
// in-flight forever.
func (s *OrderSynchronizer) CleanupStalePendingOrders(ctx context.Context) (int64, error) {
	return s.orders.CancelStalePending(ctx, s.mode, s.stalePendingAge)
}

// findExisting returns a DUPLICATE result when the signal key already has a
// row. A re-entrant call must observe the stored state, not submit again.
func (s *OrderSynchronizer) findExisting(ctx context.Context, key string) (*Result, error) {
	existing, err := s.orders.GetOrderState(ctx, key)
	if err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}
	if existing == nil {
		return nil, nil
	}

	logger.WithFields(map[string]interface{}{
		"component": "OrderSynchronizer",
		"key":       key,
		"status":    existing.Status,
	}).Warn("Signal already has an order state; not submitting again")

	return &Result{
		Status:  ExecutionDuplicate,
		OrderNo: existing.BrokerOrderNo,
		Message: existing.Message,
	}, nil
}

func (s *OrderSynchronizer) markFailed(ctx context.Context, state *model.OrderState, cause error) (*Result, error) {
	state.Status = model.OrderStatusFailed
	state.Message = cause.Error()

	if _, err := s.orders.Upsert(ctx, state); err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "OrderSynchronizer",
			"key":       state.IdempotencyKey,
		}).WithError(err).Error("Failed to persist FAILED order state")
	}

	logger.WithFields(map[string]interface{}{
		"component": "OrderSynchronizer",
		"key":       state.IdempotencyKey,
		"code":      state.StockCode,
	}).WithError(cause).Error("Broker rejected order")

	return &Result{Status: ExecutionFailed, Message: cause.Error()}, cause
}

func (s *OrderSynchronizer) applySellFill(ctx context.Context, state *model.OrderState, position *model.Position, resp *connectors.OrderResponse, fillPrice decimal.Decimal) (*Result, error) {
	state.Status = model.OrderStatusFilled
	state.BrokerOrderNo = resp.OrderNo
	state.Message = resp.Message
	if _, err := s.orders.Upsert(ctx, state); err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}

	fill := &model.TradeRecord{
		FillKey:     model.FillKeyFor(resp.OrderNo, resp.ExecID),
		TradingMode: s.mode,
		StockCode:   state.StockCode,
		Side:        model.OrderSideSell,
		Quantity:    state.Quantity,
		Price:       pricing.QuantizePrice(fillPrice),
		OrderNo:     resp.OrderNo,
		ExecID:      resp.ExecID,
		ExecutedAt:  s.now(),
	}

	_, created, err := s.trades.SaveExecutionFill(ctx, fill)
	if err != nil {
		return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
	}
	if !created {
		// Already booked; the position reflects this fill.
		return &Result{Status: ExecutionSuccess, OrderNo: resp.OrderNo, Position: position}, nil
	}

	remaining, err := pricing.ReduceQuantityAfterSell(position.Quantity, state.Quantity)
	if err != nil {
		return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
	}

	if remaining == 0 {
		if err := s.positions.ClosePosition(ctx, position); err != nil {
			return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
		}
	} else {
		position.Quantity = remaining
		if err := s.positions.Save(ctx, position); err != nil {
			return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
		}
	}

	return &Result{Status: ExecutionSuccess, OrderNo: resp.OrderNo, Position: position}, nil
}

func (s *OrderSynchronizer) applyBuyFill(ctx context.Context, state *model.OrderState, resp *connectors.OrderResponse, fillPrice decimal.Decimal) (*Result, error) {
	state.Status = model.OrderStatusFilled
	state.BrokerOrderNo = resp.OrderNo
	state.Message = resp.Message
	if _, err := s.orders.Upsert(ctx, state); err != nil {
		return &Result{Status: ExecutionFailed, Message: err.Error()}, err
	}

	fill := &model.TradeRecord{
		FillKey:     model.FillKeyFor(resp.OrderNo, resp.ExecID),
		TradingMode: s.mode,
		StockCode:   state.StockCode,
		Side:        model.OrderSideBuy,
		Quantity:    state.Quantity,
		Price:       pricing.QuantizePrice(fillPrice),
		OrderNo:     resp.OrderNo,
		ExecID:      resp.ExecID,
		ExecutedAt:  s.now(),
	}

	_, created, err := s.trades.SaveExecutionFill(ctx, fill)
	if err != nil {
		return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
	}

	position, err := s.positions.GetByStockCode(ctx, s.mode, state.StockCode)
	if err != nil {
		return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
	}
	if position == nil {
		entered := s.now()
		position = &model.Position{
			TradingMode: s.mode,
			StockCode:   state.StockCode,
			Status:      model.PositionStatusOpen,
			EnteredAt:   &entered,
		}
	}

	if created {
		avg, err := pricing.WeightedAverage(position.AvgPrice, position.Quantity, fillPrice, state.Quantity)
		if err != nil {
			return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
		}
		position.AvgPrice = avg
		position.Quantity += state.Quantity

		if err := s.positions.Save(ctx, position); err != nil {
			return &Result{Status: ExecutionFailed, OrderNo: resp.OrderNo, Message: err.Error()}, err
		}
	}

	return &Result{Status: ExecutionSuccess, OrderNo: resp.OrderNo, Position: position}, nil
}
