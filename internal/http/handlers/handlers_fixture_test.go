package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-relay-backend/internal/health"
	"github.com/tbourn/go-relay-backend/internal/lock"
	"github.com/tbourn/go-relay-backend/internal/platform"
	"github.com/tbourn/go-relay-backend/internal/ratelimit"
	"github.com/tbourn/go-relay-backend/internal/relay"
	"github.com/tbourn/go-relay-backend/internal/repo"
	"github.com/tbourn/go-relay-backend/internal/verify"
)

// healthyPlatform is a minimal always-healthy platform client: sends and
// copies are acknowledged into the addressed thread, topic creation
// allocates increasing thread ids.
type healthyPlatform struct {
	mu        sync.Mutex
	msgSeq    int64
	threadSeq int64
	sent      []string // texts sent to private chats (chatID > 0)
	copies    int
}

func (f *healthyPlatform) SendMessage(ctx context.Context, chatID, threadID int64, text string) (*platform.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgSeq++
	if chatID > 0 {
		f.sent = append(f.sent, text)
	}
	return &platform.SendResult{MessageID: f.msgSeq, ChatID: chatID, ThreadID: threadID, HasThreadID: true}, nil
}

func (f *healthyPlatform) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, threadID int64) (*platform.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgSeq++
	f.copies++
	return &platform.SendResult{MessageID: f.msgSeq, ChatID: toChatID, ThreadID: threadID, HasThreadID: true}, nil
}

func (f *healthyPlatform) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return nil
}

func (f *healthyPlatform) EditMessageText(ctx context.Context, chatID, messageID int64, text string) (*platform.SendResult, error) {
	return &platform.SendResult{MessageID: messageID, ChatID: chatID}, nil
}

func (f *healthyPlatform) CreateForumTopic(ctx context.Context, chatID int64, name string) (*platform.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadSeq++
	return &platform.Topic{ThreadID: 1000 + f.threadSeq, Name: name}, nil
}

func (f *healthyPlatform) CloseForumTopic(ctx context.Context, chatID, threadID int64) error {
	return nil
}

func (f *healthyPlatform) ReopenForumTopic(ctx context.Context, chatID, threadID int64) error {
	return nil
}

func (f *healthyPlatform) DeleteForumTopic(ctx context.Context, chatID, threadID int64) error {
	return nil
}

func (f *healthyPlatform) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copies
}

// apiFixture wires the full service graph over in-memory stores.
type apiFixture struct {
	db       *gorm.DB
	fp       *healthyPlatform
	router   *relay.Service
	verify   *verify.Service
	rates    *ratelimit.CounterService
	redisSrv *miniredis.Miniredis
}

const fixtureGroupChat = int64(-100900)

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("handlers_test_%d.db", time.Now().UnixNano()))
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
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fp := &healthyPlatform{}
	rates := &ratelimit.CounterService{DB: db}
	verifySvc := &verify.Service{Redis: client, Platform: fp}
	router := &relay.Service{
		DB:       db,
		Platform: fp,
		Locks: &lock.Runner{
			Leases:         lock.NewServiceWithClient(client),
			TTL:            time.Minute,
			AcquireTimeout: 2 * time.Second,
		},
		Rates:         rates,
		Health:        &health.Oracle{Platform: fp, Redis: client, GroupChatID: fixtureGroupChat},
		Verifier:      verifySvc,
		GroupChatID:   fixtureGroupChat,
		MessageLimit:  100,
		MessageWindow: time.Minute,
		PendingMax:    10,
		CreateRetries: 3,
	}
	verifySvc.Completer = router

	return &apiFixture{db: db, fp: fp, router: router, verify: verifySvc, rates: rates, redisSrv: srv}
}
