// Webhook HTTP handler.
//
// This file exposes the inbound update endpoint the chat platform POSTs to:
//   - POST /webhook
//
// The handler is transport-thin: it authenticates the shared secret, drops
// duplicate deliveries, and hands private-chat messages to the verification
// grader or the relay router. Group-side and non-message updates are
// acknowledged and ignored.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/relay"
	"github.com/tbourn/go-relay-backend/internal/repo"
	"github.com/tbourn/go-relay-backend/internal/verify"
)

// secretHeader carries the shared webhook secret configured at registration
// time. Updates without a matching value are rejected.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

//
// Wire shapes (inbound update envelope)
//

type updateUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type updateChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type updateMessage struct {
	MessageID       int64       `json:"message_id"`
	From            *updateUser `json:"from"`
	Chat            updateChat  `json:"chat"`
	Text            string      `json:"text"`
	MessageThreadID int64       `json:"message_thread_id"`
}

// updateEnvelope is the top-level webhook payload. UpdateID doubles as the
// delivery id for duplicate suppression.
type updateEnvelope struct {
	UpdateID int64          `json:"update_id"`
	Message  *updateMessage `json:"message"`
}

//
// Handler wiring
//

// WebhookHandler processes inbound platform updates.
//
// It depends on the relay router for forwarding, the verification service for
// grading challenge answers, and the database for delivery deduplication.
type WebhookHandler struct {
	db     *gorm.DB
	router *relay.Service
	verify *verify.Service

	secret      string
	deliveryTTL time.Duration
}

// NewWebhook constructs a WebhookHandler. secret may be empty, in which case
// the header check is skipped (local development only). deliveryTTL bounds
// how long processed delivery ids are remembered.
func NewWebhook(db *gorm.DB, router *relay.Service, verifySvc *verify.Service, secret string, deliveryTTL time.Duration) *WebhookHandler {
	if deliveryTTL <= 0 {
		deliveryTTL = 24 * time.Hour
	}
	return &WebhookHandler{db: db, router: router, verify: verifySvc, secret: secret, deliveryTTL: deliveryTTL}
}

// Handle processes one webhook delivery.
//
// Response policy: 2xx acknowledges the delivery and stops platform retries,
// 5xx asks the platform to redeliver. Transient relay outcomes (lock
// contention, store errors) therefore map to 503; everything the router
// handled terminally, including rate-limited and queued messages, maps
// to 200. The delivery id is recorded only after terminal processing so
// redeliveries of a failed update are not thrown away as duplicates.
func (h *WebhookHandler) Handle(c *gin.Context) {
	if h.secret != "" && c.GetHeader(secretHeader) != h.secret {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook secret")
		return
	}

	var upd updateEnvelope
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed update payload")
		return
	}

	ctx := c.Request.Context()

	// Duplicate delivery: already processed terminally, acknowledge again.
	if _, err := repo.GetDelivery(ctx, h.db, upd.UpdateID, time.Now()); err == nil {
		ok(c, http.StatusOK, gin.H{"status": "duplicate"})
		return
	} else if !errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusServiceUnavailable, ErrCodeTryLater, "delivery lookup failed")
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.From.IsBot || msg.Chat.Type != "private" {
		h.ack(c, upd.UpdateID, "", gin.H{"status": "ignored"})
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	lg := middleware.LoggerFrom(c)

	// Challenge answers are consumed before the relay sees the message. Only
	// texts shaped like an answer (a bare integer) are graded; anything else
	// flows to the relay and queues behind the outstanding challenge instead
	// of burning an attempt.
	if text := strings.TrimSpace(msg.Text); looksLikeAnswer(text) {
		solved, err := h.verify.Submit(ctx, userID, msg.Chat.ID, text)
		switch {
		case err == nil && solved:
			h.ack(c, upd.UpdateID, userID, gin.H{"status": "verified"})
			return
		case err == nil:
			h.ack(c, upd.UpdateID, userID, gin.H{"status": "challenge_failed"})
			return
		case errors.Is(err, verify.ErrAttemptsExhausted):
			h.ack(c, upd.UpdateID, userID, gin.H{"status": "challenge_exhausted"})
			return
		case !errors.Is(err, verify.ErrNoChallenge):
			lg.Error().Err(err).Str("user_id", userID).Msg("challenge grading failed")
			fail(c, http.StatusServiceUnavailable, ErrCodeTryLater, "try again shortly")
			return
		}
	}

	ev := relay.InboundMessage{
		UserID:      userID,
		UserChatID:  msg.Chat.ID,
		MessageID:   msg.MessageID,
		DisplayName: displayName(msg.From),
	}

	err := h.router.ForwardOrRecover(ctx, ev)
	switch {
	case err == nil:
		h.ack(c, upd.UpdateID, userID, gin.H{"status": "forwarded"})
	case errors.Is(err, relay.ErrQueued):
		h.ack(c, upd.UpdateID, userID, gin.H{"status": "queued"})
	case errors.Is(err, relay.ErrRateLimited):
		h.ack(c, upd.UpdateID, userID, gin.H{"status": "rate_limited"})
	case errors.Is(err, relay.ErrTopicClosed):
		h.ack(c, upd.UpdateID, userID, gin.H{"status": "topic_closed"})
	case errors.Is(err, relay.ErrTryLater):
		fail(c, http.StatusServiceUnavailable, ErrCodeTryLater, "try again shortly")
	default:
		lg.Error().Err(err).Str("user_id", userID).Msg("relay forward failed")
		fail(c, http.StatusInternalServerError, ErrCodeForwardFailed, "forward failed")
	}
}

// ack records the delivery id and writes the acknowledgement body. A failed
// record is logged but never turns a processed update into a retry.
func (h *WebhookHandler) ack(c *gin.Context, deliveryID int64, userID string, body gin.H) {
	if _, err := repo.CreateDelivery(c.Request.Context(), h.db, deliveryID, userID, h.deliveryTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Int64("delivery_id", deliveryID).Msg("delivery record not persisted")
	}
	ok(c, http.StatusOK, body)
}

// looksLikeAnswer reports whether text is plausibly a challenge answer: a
// single bare integer.
func looksLikeAnswer(text string) bool {
	if text == "" {
		return false
	}
	_, err := strconv.Atoi(text)
	return err == nil
}

// displayName assembles a human-facing name for topic titles, preferring the
// real name over the handle.
func displayName(u *updateUser) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("user %d", u.ID)
}
