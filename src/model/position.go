package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionStatusOpen   = "open"
	PositionStatusExited = "exited"
)

// Position is the durable mirror of the single position the executor
// manages at runtime. The executor owns it exclusively while the process
// is up and writes it back after every mutation; on startup the
// resynchronizer overwrites quantity and average price from the broker's
// holdings, which are ground truth.
type Position struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	TradingMode TradingMode     `gorm:"size:20;index:idx_positions_mode_code" json:"trading_mode"`
	StockCode   string          `gorm:"size:12;index:idx_positions_mode_code" json:"stock_code"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `gorm:"type:numeric(18,2)" json:"avg_price"`
	StopLoss    decimal.Decimal `gorm:"type:numeric(18,2)" json:"stop_loss"`
	TakeProfit  decimal.Decimal `gorm:"type:numeric(18,2)" json:"take_profit"`
	TrailingSL  decimal.Decimal `gorm:"type:numeric(18,2)" json:"trailing_sl"`
	ATRAtEntry  decimal.Decimal `gorm:"type:numeric(18,4)" json:"atr_at_entry"`
	EnteredAt   *time.Time      `json:"entered_at,omitempty"`
	ExitedAt    *time.Time      `json:"exited_at,omitempty"`
	Status      string          `gorm:"size:20;not null;default:open" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// IsOpen reports whether the row still represents a live holding.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen && p.Quantity > 0
}
