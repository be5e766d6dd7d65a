package model

import "time"

const (
	OrderStatusPending   = "PENDING"
	OrderStatusFilled    = "FILLED"
	OrderStatusFailed    = "FAILED"
	OrderStatusCancelled = "CANCELLED"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// OrderState is one row per order attempt, keyed by the caller-supplied
// idempotency key. The status column is overwritten in place but the
// previous status is always read before the next write, so transitions are
// append-only in effect.
type OrderState struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	IdempotencyKey string      `gorm:"size:120;uniqueIndex" json:"idempotency_key"`
	TradingMode    TradingMode `gorm:"size:20;index" json:"trading_mode"`
	StockCode      string      `gorm:"size:12;index" json:"stock_code"`
	Side           string      `gorm:"size:10" json:"side"`
	Quantity       int64       `json:"quantity"`
	Status         string      `gorm:"size:20;not null;default:PENDING" json:"status"`
	BrokerOrderNo  string      `gorm:"size:40" json:"broker_order_no"`
	Message        string      `gorm:"size:500" json:"message"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (OrderState) TableName() string {
	return "order_states"
}
