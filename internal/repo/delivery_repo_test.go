package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

func newDeliveryRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("delivery_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Delivery{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateDelivery_DetectsDuplicateID(t *testing.T) {
	db := newDeliveryRepoDB(t)
	ctx := context.Background()

	if _, err := CreateDelivery(ctx, db, 1001, "u1", time.Hour); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if _, err := CreateDelivery(ctx, db, 1001, "u1", time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on repeated delivery id, got %v", err)
	}
}

func TestGetDelivery_HonorsExpiry(t *testing.T) {
	db := newDeliveryRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := GetDelivery(ctx, db, 1001, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	if _, err := CreateDelivery(ctx, db, 1001, "u1", time.Hour); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	rec, err := GetDelivery(ctx, db, 1001, now)
	if err != nil || rec.UserID != "u1" {
		t.Fatalf("GetDelivery: %+v %v", rec, err)
	}

	// After the TTL the row no longer counts as a duplicate.
	if _, err := GetDelivery(ctx, db, 1001, now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should read as not found, got %v", err)
	}
}

func TestDeleteExpiredDeliveries(t *testing.T) {
	db := newDeliveryRepoDB(t)
	ctx := context.Background()

	if _, err := CreateDelivery(ctx, db, 1, "u1", -time.Minute); err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if _, err := CreateDelivery(ctx, db, 2, "u1", time.Hour); err != nil {
		t.Fatalf("seed live: %v", err)
	}

	n, err := DeleteExpiredDeliveries(ctx, db, time.Now().UTC())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired row deleted, got n=%d err=%v", n, err)
	}
	if _, err := GetDelivery(ctx, db, 2, time.Now().UTC()); err != nil {
		t.Fatalf("live record must survive: %v", err)
	}
}
