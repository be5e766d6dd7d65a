package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/database"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// PositionRepository handles read/write operations for managed positions.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository using the main database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// GetOpenPositions returns all open rows for the given trading mode.
func (r *PositionRepository) GetOpenPositions(ctx context.Context, mode model.TradingMode) ([]model.Position, error) {
	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "GetOpenPositions",
		"mode": mode,
	}).Debug("Fetching open positions")

	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("trading_mode = ? AND status = ?", mode, model.PositionStatusOpen).
		Order("stock_code ASC").
		Find(&positions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "GetOpenPositions",
		}).WithError(err).Error("Failed to fetch open positions")

		return nil, err
	}

	return positions, nil
}

// GetByStockCode fetches the open position for a symbol.
// Returns (nil, nil) if there is none.
func (r *PositionRepository) GetByStockCode(ctx context.Context, mode model.TradingMode, stockCode string) (*model.Position, error) {
	code := model.NormalizeCode(stockCode)

	var position model.Position

	err := r.db.WithContext(ctx).
		Where("trading_mode = ? AND stock_code = ? AND status = ?", mode, code, model.PositionStatusOpen).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "GetByStockCode",
			"code": code,
		}).WithError(err).Error("Failed to fetch position")

		return nil, err
	}

	return &position, nil
}

// Save persists the full position row after a mutation.
func (r *PositionRepository) Save(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "Save",
		"code": position.StockCode,
		"qty":  position.Quantity,
	}).Debug("Saving position")

	err := r.db.WithContext(ctx).Save(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Save",
			"code": position.StockCode,
		}).WithError(err).Error("Failed to save position")

		return err
	}

	return nil
}

// UpsertFromHolding overwrites the stored quantity and average price from a
// broker holding, creating the row if it does not exist. The broker is
// ground truth for both fields.
func (r *PositionRepository) UpsertFromHolding(ctx context.Context, mode model.TradingMode, stockCode string, quantity int64, avgPrice decimal.Decimal) (*model.Position, error) {
	code := model.NormalizeCode(stockCode)

	position, err := r.GetByStockCode(ctx, mode, code)
	if err != nil {
		return nil, err
	}

	if position == nil {
		now := time.Now()
		position = &model.Position{
			TradingMode: mode,
			StockCode:   code,
			Status:      model.PositionStatusOpen,
			EnteredAt:   &now,
		}
	}

	position.Quantity = quantity
	position.AvgPrice = avgPrice

	if err := r.db.WithContext(ctx).Save(position).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "UpsertFromHolding",
			"code": code,
		}).WithError(err).Error("Failed to upsert position from holding")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "UpsertFromHolding",
		"code": code,
		"qty":  quantity,
		"avg":  avgPrice,
	}).Info("Position overwritten from broker holding")

	return position, nil
}

// ClosePosition marks the row exited with zero quantity.
func (r *PositionRepository) ClosePosition(ctx context.Context, position *model.Position) error {
	now := time.Now()
	position.Quantity = 0
	position.Status = model.PositionStatusExited
	position.ExitedAt = &now

	err := r.db.WithContext(ctx).Save(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "ClosePosition",
			"code": position.StockCode,
		}).WithError(err).Error("Failed to close position")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "ClosePosition",
		"code": position.StockCode,
	}).Info("Position closed")

	return nil
}
