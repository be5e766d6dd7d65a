package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/database"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// OrderStateRepository persists one row per order attempt, keyed by the
// idempotency key.
type OrderStateRepository struct {
	db *gorm.DB
}

func NewOrderStateRepository() *OrderStateRepository {
	logger.WithField("component", "OrderStateRepository").
		Info("Creating new OrderStateRepository with MainDB")

	return &OrderStateRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *OrderStateRepository) WithDB(db *gorm.DB) *OrderStateRepository {
	return &OrderStateRepository{db: db}
}

// GetOrderState fetches the row for an idempotency key.
// Returns (nil, nil) if the key has never been seen.
func (r *OrderStateRepository) GetOrderState(ctx context.Context, key string) (*model.OrderState, error) {
	var state model.OrderState

	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "OrderStateRepository",
			"op":   "GetOrderState",
			"key":  key,
		}).WithError(err).Error("Failed to fetch order state")

		return nil, err
	}

	return &state, nil
}

// Upsert writes the order row for a key, reading the previous status first
// so every transition is observed before it is overwritten.
func (r *OrderStateRepository) Upsert(ctx context.Context, state *model.OrderState) (previousStatus string, err error) {
	existing, err := r.GetOrderState(ctx, state.IdempotencyKey)
	if err != nil {
		return "", err
	}

	if existing != nil {
		previousStatus = existing.Status
		state.ID = existing.ID
		state.CreatedAt = existing.CreatedAt
	}

	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderStateRepository",
			"op":     "Upsert",
			"key":    state.IdempotencyKey,
			"status": state.Status,
		}).WithError(err).Error("Failed to upsert order state")

		return previousStatus, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "OrderStateRepository",
		"op":          "Upsert",
		"key":         state.IdempotencyKey,
		"prev_status": previousStatus,
		"status":      state.Status,
	}).Info("Order state written")

	return previousStatus, nil
}

// CancelStalePending flips PENDING rows older than the threshold to
// CANCELLED, scoped by trading mode. Bounds how long a crashed-mid-order
// attempt can linger as ambiguously in flight.
func (r *OrderStateRepository) CancelStalePending(ctx context.Context, mode model.TradingMode, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result := r.db.WithContext(ctx).
		Model(&model.OrderState{}).
		Where("trading_mode = ? AND status = ? AND updated_at < ?", mode, model.OrderStatusPending, cutoff).
		Update("status", model.OrderStatusCancelled)
	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderStateRepository",
			"op":   "CancelStalePending",
			"mode": mode,
		}).WithError(result.Error).Error("Failed to cancel stale pending orders")

		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderStateRepository",
			"op":        "CancelStalePending",
			"mode":      mode,
			"cancelled": result.RowsAffected,
		}).Info("Stale pending orders cancelled")
	}

	return result.RowsAffected, nil
}
