// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PendingMessage model: the bounded FIFO of messages queued while a user is
// unverified, and the claim operation that makes replay at-most-once.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// EnqueuePending appends a message to the user's pending set and trims the
// set to maxLen by deleting the oldest unreplayed rows. Enqueueing the same
// (user, message) pair twice is a no-op rather than an error, so retried
// webhook deliveries stay idempotent.
func EnqueuePending(ctx context.Context, db *gorm.DB, userID string, chatID, messageID int64, maxLen int) error {
	now := time.Now().UTC()
	rec := &domain.PendingMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatID:    chatID,
		MessageID: messageID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	if maxLen <= 0 {
		return nil
	}

	// FIFO trim: keep the newest maxLen rows, drop the overflow from the front.
	var count int64
	if err := db.WithContext(ctx).Model(&domain.PendingMessage{}).
		Where("user_id = ? AND replayed = ?", userID, false).
		Count(&count).Error; err != nil {
		return err
	}
	if count <= int64(maxLen) {
		return nil
	}
	var victims []domain.PendingMessage
	if err := db.WithContext(ctx).
		Where("user_id = ? AND replayed = ?", userID, false).
		Order("created_at ASC, id ASC").
		Limit(int(count) - maxLen).
		Find(&victims).Error; err != nil {
		return err
	}
	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.PendingMessage{}).Error
}

// ListPending returns the user's unreplayed messages in enqueue order.
func ListPending(ctx context.Context, db *gorm.DB, userID string) ([]domain.PendingMessage, error) {
	var rows []domain.PendingMessage
	err := db.WithContext(ctx).
		Where("user_id = ? AND replayed = ?", userID, false).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// ClaimPending marks one pending row as replayed, but only if nobody else
// has. The boolean result is the claim: true means this caller owns the
// single replay of the message, false means another replayer got there
// first (or the row is gone).
func ClaimPending(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.PendingMessage{}).
		Where("id = ? AND replayed = ?", id, false).
		Updates(map[string]any{
			"replayed":   true,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PurgeReplayed deletes replayed rows older than cutoff. Housekeeping for
// the sweep endpoint; replayed rows are only kept as a short audit trail.
func PurgeReplayed(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("replayed = ? AND updated_at < ?", true, cutoff).
		Delete(&domain.PendingMessage{})
	return res.RowsAffected, res.Error
}
