// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// TopicBinding model owned by the relay router.
//
// Error semantics match the rest of the package: ErrNotFound for missing
// rows, ErrDuplicate for unique violations, raw gorm errors otherwise.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// GetBinding fetches the binding for userID, or ErrNotFound.
func GetBinding(ctx context.Context, db *gorm.DB, userID string) (*domain.TopicBinding, error) {
	var b domain.TopicBinding
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBindingByThread fetches the binding that points at threadID, or
// ErrNotFound. Used by admin commands issued from inside a topic.
func GetBindingByThread(ctx context.Context, db *gorm.DB, threadID int64) (*domain.TopicBinding, error) {
	var b domain.TopicBinding
	err := db.WithContext(ctx).Where("thread_id = ?", threadID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBinding inserts a new binding row with UUID primary key and UTC
// timestamps. Returns ErrDuplicate when the user already has one.
func CreateBinding(ctx context.Context, db *gorm.DB, userID string, threadID int64, title string) (*domain.TopicBinding, error) {
	now := time.Now().UTC()
	b := &domain.TopicBinding{
		ID:        uuid.NewString(),
		UserID:    userID,
		ThreadID:  threadID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return b, nil
}

// RebindThread points an existing binding at a freshly created thread and
// reopens it. Returns ErrNotFound if the user has no binding row.
func RebindThread(ctx context.Context, db *gorm.DB, userID string, threadID int64, title string) error {
	res := db.WithContext(ctx).Model(&domain.TopicBinding{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"thread_id":  threadID,
			"title":      title,
			"closed":     false,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearBindingThread nulls out the thread pointer (the Lost transition).
// The guard on the previous thread id keeps a stale Lost observation from
// clobbering a binding that was already repaired by a concurrent recovery.
func ClearBindingThread(ctx context.Context, db *gorm.DB, userID string, previousThreadID int64) error {
	res := db.WithContext(ctx).Model(&domain.TopicBinding{}).
		Where("user_id = ? AND thread_id = ?", userID, previousThreadID).
		Updates(map[string]any{
			"thread_id":  0,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// SetBindingClosed flips the admin-closed flag. Returns ErrNotFound if the
// user has no binding.
func SetBindingClosed(ctx context.Context, db *gorm.DB, userID string, closed bool) error {
	res := db.WithContext(ctx).Model(&domain.TopicBinding{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"closed":     closed,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBindings returns the total number of bindings (pagination support).
func CountBindings(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.TopicBinding{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// ListBindingsPage returns one page of bindings ordered by creation time,
// newest first.
func ListBindingsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.TopicBinding, error) {
	var rows []domain.TopicBinding
	err := db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
