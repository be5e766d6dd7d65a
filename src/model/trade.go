package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one row per broker fill. The fill key is derived from the
// broker order number and execution id; inserting the same key twice is a
// no-op that reports "not newly created" so a redelivered execution report
// can never double-count into quantity or average price.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	FillKey     string          `gorm:"size:120;uniqueIndex" json:"fill_key"`
	TradingMode TradingMode     `gorm:"size:20;index" json:"trading_mode"`
	StockCode   string          `gorm:"size:12;index" json:"stock_code"`
	Side        string          `gorm:"size:10" json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric(18,2)" json:"price"`
	OrderNo     string          `gorm:"size:40" json:"order_no"`
	ExecID      string          `gorm:"size:40" json:"exec_id"`
	ExecutedAt  time.Time       `json:"executed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (TradeRecord) TableName() string {
	return "trade_records"
}

// FillKeyFor builds the idempotency key for a broker execution report.
func FillKeyFor(orderNo, execID string) string {
	return orderNo + ":" + execID
}
