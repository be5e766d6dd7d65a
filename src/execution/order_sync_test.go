package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/connectors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

type stubGateway struct {
	resp      *connectors.OrderResponse
	err       error
	sellCalls int
	buyCalls  int
}

func (g *stubGateway) PlaceSellOrder(stockCode string, quantity int64) (*connectors.OrderResponse, error) {
	g.sellCalls++
	return g.resp, g.err
}

func (g *stubGateway) PlaceBuyOrder(stockCode string, quantity int64) (*connectors.OrderResponse, error) {
	g.buyCalls++
	return g.resp, g.err
}

type memOrderStore struct {
	rows       map[string]*model.OrderState
	cancelled  int64
	upsertErr  error
	lookupErr  error
	updateTime time.Time
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{rows: map[string]*model.OrderState{}}
}

func (s *memOrderStore) GetOrderState(_ context.Context, key string) (*model.OrderState, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	row, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *memOrderStore) Upsert(_ context.Context, state *model.OrderState) (string, error) {
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	previous := ""
	if existing, ok := s.rows[state.IdempotencyKey]; ok {
		previous = existing.Status
	}
	copied := *state
	copied.UpdatedAt = s.updateTime
	s.rows[state.IdempotencyKey] = &copied
	return previous, nil
}

func (s *memOrderStore) CancelStalePending(_ context.Context, mode model.TradingMode, olderThan time.Duration) (int64, error) {
	return s.cancelled, nil
}

type memTradeStore struct {
	fills map[string]*model.TradeRecord
}

func newMemTradeStore() *memTradeStore {
	return &memTradeStore{fills: map[string]*model.TradeRecord{}}
}

func (s *memTradeStore) SaveExecutionFill(_ context.Context, fill *model.TradeRecord) (*model.TradeRecord, bool, error) {
	if existing, ok := s.fills[fill.FillKey]; ok {
		return existing, false, nil
	}
	copied := *fill
	s.fills[fill.FillKey] = &copied
	return &copied, true, nil
}

type memPositionStore struct {
	byCode map[string]*model.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{byCode: map[string]*model.Position{}}
}

func (s *memPositionStore) GetByStockCode(_ context.Context, mode model.TradingMode, stockCode string) (*model.Position, error) {
	position, ok := s.byCode[model.NormalizeCode(stockCode)]
	if !ok || position.Status != model.PositionStatusOpen {
		return nil, nil
	}
	return position, nil
}

func (s *memPositionStore) Save(_ context.Context, position *model.Position) error {
	s.byCode[position.StockCode] = position
	return nil
}

func (s *memPositionStore) ClosePosition(_ context.Context, position *model.Position) error {
	now := time.Now()
	position.Quantity = 0
	position.Status = model.PositionStatusExited
	position.ExitedAt = &now
	s.byCode[position.StockCode] = position
	return nil
}

func newTestSynchronizer(gateway *stubGateway) (*OrderSynchronizer, *memOrderStore, *memTradeStore, *memPositionStore) {
	orders := newMemOrderStore()
	trades := newMemTradeStore()
	positions := newMemPositionStore()
	sync := NewOrderSynchronizer(model.ModePaper, gateway, orders, trades, positions)
	return sync, orders, trades, positions
}

func openPosition(positions *memPositionStore, code string, qty int64, avg string) *model.Position {
	position := &model.Position{
		TradingMode: model.ModePaper,
		StockCode:   code,
		Quantity:    qty,
		AvgPrice:    decimal.RequireFromString(avg),
		Status:      model.PositionStatusOpen,
	}
	positions.byCode[code] = position
	return position
}

func TestExecuteSellOrderReducesPosition(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "0000117057", ExecID: "e1"}}
	sync, orders, trades, positions := newTestSynchronizer(gateway)
	openPosition(positions, "005930", 3, "70000.00")

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 1, "sig-1", decimal.RequireFromString("70100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ExecutionSuccess || result.OrderNo != "0000117057" {
		t.Fatalf("unexpected result: %+v", result)
	}

	state := orders.rows[OrderKeyFor(model.ModePaper, "sig-1")]
	if state == nil || state.Status != model.OrderStatusFilled {
		t.Fatalf("expected FILLED order state, got %+v", state)
	}
	if state.BrokerOrderNo != "0000117057" {
		t.Fatalf("broker order no not persisted: %+v", state)
	}

	if fill := trades.fills["0000117057:e1"]; fill == nil || fill.Quantity != 1 {
		t.Fatalf("fill not recorded: %+v", fill)
	}

	if positions.byCode["005930"].Quantity != 2 {
		t.Fatalf("expected remaining quantity 2, got %d", positions.byCode["005930"].Quantity)
	}
}

func TestExecuteSellOrderFullExitClosesPosition(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "0000117058", ExecID: "e1"}}
	sync, _, _, positions := newTestSynchronizer(gateway)
	openPosition(positions, "005930", 2, "70000.00")

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 2, "sig-exit", decimal.RequireFromString("70100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ExecutionSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}

	position := positions.byCode["005930"]
	if position.Status != model.PositionStatusExited || position.Quantity != 0 {
		t.Fatalf("expected exited position, got %+v", position)
	}
	if position.ExitedAt == nil {
		t.Fatal("expected ExitedAt to be set")
	}
}

func TestExecuteSellOrderIsIdempotentPerSignal(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "0000117059", ExecID: "e1"}}
	sync, _, _, positions := newTestSynchronizer(gateway)
	openPosition(positions, "005930", 3, "70000.00")

	if _, err := sync.ExecuteSellOrder(context.Background(), "005930", 1, "sig-dup", decimal.RequireFromString("70100")); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 1, "sig-dup", decimal.RequireFromString("70100"))
	if err != nil {
		t.Fatalf("second call errored: %v", err)
	}
	if result.Status != ExecutionDuplicate {
		t.Fatalf("expected DUPLICATE, got %+v", result)
	}
	if gateway.sellCalls != 1 {
		t.Fatalf("expected a single broker submission, got %d", gateway.sellCalls)
	}
	if positions.byCode["005930"].Quantity != 2 {
		t.Fatalf("duplicate call must not move the position again, got qty %d", positions.byCode["005930"].Quantity)
	}
}

func TestExecuteSellOrderBrokerRejection(t *testing.T) {
	gateway := &stubGateway{err: errors.New("모의투자 장종료")}
	sync, orders, _, positions := newTestSynchronizer(gateway)
	openPosition(positions, "005930", 3, "70000.00")

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 1, "sig-rej", decimal.RequireFromString("70100"))
	if err == nil {
		t.Fatal("expected rejection to propagate")
	}
	if result.Status != ExecutionFailed || result.Message == "" {
		t.Fatalf("expected FAILED result carrying the broker message, got %+v", result)
	}

	state := orders.rows[OrderKeyFor(model.ModePaper, "sig-rej")]
	if state == nil || state.Status != model.OrderStatusFailed {
		t.Fatalf("expected FAILED order state, got %+v", state)
	}
	if positions.byCode["005930"].Quantity != 3 {
		t.Fatalf("rejected order must not touch the position, got qty %d", positions.byCode["005930"].Quantity)
	}
}

func TestExecuteSellOrderRejectsOversellBeforeSubmit(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "x", ExecID: "e"}}
	sync, _, _, positions := newTestSynchronizer(gateway)
	openPosition(positions, "005930", 1, "70000.00")

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 2, "sig-over", decimal.RequireFromString("70100"))
	if !errors.Is(err, pricing.ErrOversell) {
		t.Fatalf("expected ErrOversell, got %v", err)
	}
	if result.Status != ExecutionFailed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gateway.sellCalls != 0 {
		t.Fatalf("oversized sell must not reach the broker, got %d calls", gateway.sellCalls)
	}
}

func TestExecuteSellOrderWithNoPosition(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "x", ExecID: "e"}}
	sync, _, _, _ := newTestSynchronizer(gateway)

	result, err := sync.ExecuteSellOrder(context.Background(), "005930", 1, "sig-none", decimal.RequireFromString("70100"))
	if err != nil {
		t.Fatalf("missing position is not a transport error: %v", err)
	}
	if result.Status != ExecutionFailed {
		t.Fatalf("expected FAILED result, got %+v", result)
	}
	if gateway.sellCalls != 0 {
		t.Fatal("must not submit a sell with no open position")
	}
}

func TestExecuteBuyOrderWeightedAverage(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "b-1", ExecID: "e1"}}
	sync, _, _, positions := newTestSynchronizer(gateway)

	if _, err := sync.ExecuteBuyOrder(context.Background(), "005930", 1, "sig-b1", decimal.RequireFromString("70000")); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}

	position := positions.byCode["005930"]
	if position == nil || position.Quantity != 1 || position.AvgPrice.String() != "70000" {
		t.Fatalf("unexpected position after first buy: %+v", position)
	}

	gateway.resp = &connectors.OrderResponse{OrderNo: "b-2", ExecID: "e1"}
	if _, err := sync.ExecuteBuyOrder(context.Background(), "005930", 2, "sig-b2", decimal.RequireFromString("71000")); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	position = positions.byCode["005930"]
	if position.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", position.Quantity)
	}
	if position.AvgPrice.String() != "70666.67" {
		t.Fatalf("expected half-up weighted average 70666.67, got %s", position.AvgPrice)
	}
}

func TestExecuteBuyOrderDuplicateFillDoesNotDoubleCount(t *testing.T) {
	gateway := &stubGateway{resp: &connectors.OrderResponse{OrderNo: "b-9", ExecID: "e9"}}
	sync, _, trades, positions := newTestSynchronizer(gateway)

	if _, err := sync.ExecuteBuyOrder(context.Background(), "005930", 1, "sig-f1", decimal.RequireFromString("70000")); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}

	// The broker redelivers the same execution for a different signal.
	result, err := sync.ExecuteBuyOrder(context.Background(), "005930", 1, "sig-f2", decimal.RequireFromString("70000"))
	if err != nil {
		t.Fatalf("redelivered fill errored: %v", err)
	}
	if result.Status != ExecutionSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}

	if len(trades.fills) != 1 {
		t.Fatalf("expected a single fill row, got %d", len(trades.fills))
	}
	if positions.byCode["005930"].Quantity != 1 {
		t.Fatalf("duplicate fill must not change quantity, got %d", positions.byCode["005930"].Quantity)
	}
}

func TestCleanupStalePendingOrders(t *testing.T) {
	gateway := &stubGateway{}
	sync, orders, _, _ := newTestSynchronizer(gateway)
	orders.cancelled = 2

	count, err := sync.CleanupStalePendingOrders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 cancelled rows, got %d", count)
	}
}

func TestOrderKeyFor(t *testing.T) {
	key := OrderKeyFor(model.ModeDryRun, "sig-42")
	if key != fmt.Sprintf("ord:%s:sig-42", model.ModeDryRun) {
		t.Fatalf("unexpected key %q", key)
	}
}
