package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/database"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// TradeRepository is the fill ledger.
type TradeRepository struct {
	db *gorm.DB
}

func NewTradeRepository() *TradeRepository {
	logger.WithField("component", "TradeRepository").
		Info("Creating new TradeRepository with MainDB")

	return &TradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// SaveExecutionFill inserts a fill row idempotently. A duplicate fill key
// is a no-op that returns the existing row and wasNewlyCreated=false, so a
// redelivered execution report never double-counts.
func (r *TradeRepository) SaveExecutionFill(ctx context.Context, fill *model.TradeRecord) (*model.TradeRecord, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fill_key"}},
			DoNothing: true,
		}).
		Create(fill)
	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "SaveExecutionFill",
			"key":  fill.FillKey,
		}).WithError(result.Error).Error("Failed to save fill")

		return nil, false, result.Error
	}

	if result.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "SaveExecutionFill",
			"key":  fill.FillKey,
			"qty":  fill.Quantity,
		}).Info("Fill recorded")

		return fill, true, nil
	}

	var existing model.TradeRecord
	err := r.db.WithContext(ctx).
		Where("fill_key = ?", fill.FillKey).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Conflict reported but the row is gone; treat as not created.
			return nil, false, nil
		}
		return nil, false, err
	}

	logger.WithFields(map[string]interface{}{
		"repo": "TradeRepository",
		"op":   "SaveExecutionFill",
		"key":  fill.FillKey,
	}).Info("Duplicate fill ignored")

	return &existing, false, nil
}

// FindByStockCode returns the fills for a symbol, oldest first.
func (r *TradeRepository) FindByStockCode(ctx context.Context, mode model.TradingMode, stockCode string, limit int) ([]model.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var fills []model.TradeRecord

	err := r.db.WithContext(ctx).
		Where("trading_mode = ? AND stock_code = ?", mode, model.NormalizeCode(stockCode)).
		Order("executed_at ASC, id ASC").
		Limit(limit).
		Find(&fills).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "FindByStockCode",
			"code": stockCode,
		}).WithError(err).Error("Failed to fetch fills")

		return nil, err
	}

	return fills, nil
}
