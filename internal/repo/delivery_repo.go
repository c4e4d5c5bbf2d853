// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Delivery
// model used to deduplicate retried webhook deliveries.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// GetDelivery returns a non-expired delivery record or ErrNotFound.
func GetDelivery(ctx context.Context, db *gorm.DB, deliveryID int64, now time.Time) (*domain.Delivery, error) {
	var rec domain.Delivery
	err := db.WithContext(ctx).
		Where("delivery_id = ? AND expires_at > ?", deliveryID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateDelivery inserts a record and returns ErrDuplicate on unique
// violation, which is how a concurrent duplicate delivery is detected.
func CreateDelivery(ctx context.Context, db *gorm.DB, deliveryID int64, userID string, ttl time.Duration) (*domain.Delivery, error) {
	now := time.Now().UTC()
	rec := &domain.Delivery{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// DeleteExpiredDeliveries sweeps dedup rows whose TTL has passed.
func DeleteExpiredDeliveries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Delivery{})
	return res.RowsAffected, res.Error
}
