// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the RateRecord
// model used by the atomic counter service.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no limit policy here, only the
// conditional writes the counter service composes into an exact count.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - ErrStale signals that a conditional write found the row changed since
//     it was read; the caller re-reads and retries.
//   - ErrDuplicate signals that a create raced with another creator.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a create hit an existing row (unique violation).
var ErrDuplicate = errors.New("duplicate")

// ErrStale indicates a conditional update matched no row because the version
// (or guard column) moved underneath the caller.
var ErrStale = errors.New("stale record")

// isUniqueViolation sniffs driver errors for unique-constraint failures.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// GetRateRecord fetches the record for key, or ErrNotFound.
func GetRateRecord(ctx context.Context, db *gorm.DB, key string) (*domain.RateRecord, error) {
	var rec domain.RateRecord
	err := db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRateRecord inserts a fresh window with count=1. Returns ErrDuplicate
// when another writer created the row first; the caller re-reads and takes
// the increment path instead.
func CreateRateRecord(ctx context.Context, db *gorm.DB, key string, windowExpiresAt time.Time) (*domain.RateRecord, error) {
	now := time.Now().UTC()
	rec := &domain.RateRecord{
		Key:             key,
		Count:           1,
		WindowExpiresAt: windowExpiresAt,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// IncrementRateRecord adds one admitted hit to an existing window. The write
// only lands if the row still carries the version the caller read; otherwise
// ErrStale is returned and the caller must re-read.
func IncrementRateRecord(ctx context.Context, db *gorm.DB, key string, readVersion int64) error {
	res := db.WithContext(ctx).Model(&domain.RateRecord{}).
		Where("key = ? AND version = ?", key, readVersion).
		Updates(map[string]any{
			"count":      gorm.Expr("count + 1"),
			"version":    gorm.Expr("version + 1"),
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

// ResetRateRecord starts a new window on an existing row (count back to 1).
// Same version guard as IncrementRateRecord.
func ResetRateRecord(ctx context.Context, db *gorm.DB, key string, readVersion int64, windowExpiresAt time.Time) error {
	res := db.WithContext(ctx).Model(&domain.RateRecord{}).
		Where("key = ? AND version = ?", key, readVersion).
		Updates(map[string]any{
			"count":             1,
			"window_expires_at": windowExpiresAt,
			"version":           gorm.Expr("version + 1"),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// DeleteExpiredRateRecords removes windows that closed before now. Returns
// the number of rows swept.
func DeleteExpiredRateRecords(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("window_expires_at <= ?", now).
		Delete(&domain.RateRecord{})
	return res.RowsAffected, res.Error
}
