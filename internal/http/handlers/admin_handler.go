// Admin HTTP handlers.
//
// This file exposes operator endpoints for topic lifecycle and maintenance:
//   - GET    /users               (list bindings, paginated)
//   - POST   /users/{id}/close    (close the user's topic)
//   - POST   /users/{id}/reopen   (reopen the user's topic)
//   - GET    /users/{id}/status   (binding, health, pending backlog)
//   - POST   /maintenance/sweep   (expired rows cleanup)
//
// Handlers are transport-thin: they validate input, call the relay router,
// and translate results into HTTP responses.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/ratelimit"
	"github.com/tbourn/go-relay-backend/internal/relay"
	"github.com/tbourn/go-relay-backend/internal/repo"
	"github.com/tbourn/go-relay-backend/internal/utils"
)

// AdminHandlers groups the operator endpoints. It depends on the relay
// router for topic operations and on the stores for maintenance sweeps.
type AdminHandlers struct {
	db     *gorm.DB
	router *relay.Service
	rates  *ratelimit.CounterService
}

// NewAdmin constructs an AdminHandlers instance bound to the given services.
func NewAdmin(db *gorm.DB, router *relay.Service, rates *ratelimit.CounterService) *AdminHandlers {
	return &AdminHandlers{db: db, router: router, rates: rates}
}

// pathUserID extracts and validates the {id} path parameter.
func pathUserID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return "", false
	}
	return id, true
}

// bindingPage is the envelope returned by ListBindings.
type bindingPage struct {
	Items    []domain.TopicBinding `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// ListBindings handles GET /users. Pagination via ?page= and ?page_size=
// query parameters (1-based page, page_size capped at 100).
func (h *AdminHandlers) ListBindings(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	size := utils.AtoiDefault(c.Query("page_size"), 20)
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	ctx := c.Request.Context()
	total, err := repo.CountBindings(ctx, h.db)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("binding count failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing failed")
		return
	}
	items, err := repo.ListBindingsPage(ctx, h.db, (page-1)*size, size)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("binding page failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing failed")
		return
	}
	ok(c, http.StatusOK, bindingPage{Items: items, Total: total, Page: page, PageSize: size})
}

// CloseTopic handles POST /users/{id}/close.
func (h *AdminHandlers) CloseTopic(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		return
	}
	if err := h.router.CloseTopic(c.Request.Context(), id); err != nil {
		failTopicOp(c, err, "close topic")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "closed"})
}

// ReopenTopic handles POST /users/{id}/reopen.
func (h *AdminHandlers) ReopenTopic(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		return
	}
	if err := h.router.ReopenTopic(c.Request.Context(), id); err != nil {
		failTopicOp(c, err, "reopen topic")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "open"})
}

// Status handles GET /users/{id}/status.
func (h *AdminHandlers) Status(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		return
	}
	st, err := h.router.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrNoBinding) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no binding for user")
			return
		}
		middleware.LoggerFrom(c).Error().Err(err).Str("user_id", id).Msg("status lookup failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "status lookup failed")
		return
	}
	ok(c, http.StatusOK, st)
}

// sweepResult reports how many rows each maintenance pass removed.
type sweepResult struct {
	RateRecords int64 `json:"rate_records"`
	Deliveries  int64 `json:"deliveries"`
	Pending     int64 `json:"pending"`
}

// Sweep handles POST /maintenance/sweep. It removes expired rate-limit
// windows, remembered delivery ids past their TTL, and replayed pending rows
// older than a day. Partial failures abort with the counts gathered so far
// discarded; the sweep is idempotent and safe to rerun.
func (h *AdminHandlers) Sweep(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()

	var res sweepResult
	var err error
	if res.RateRecords, err = h.rates.Sweep(ctx); err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("rate record sweep failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "sweep failed")
		return
	}
	if res.Deliveries, err = repo.DeleteExpiredDeliveries(ctx, h.db, now); err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("delivery sweep failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "sweep failed")
		return
	}
	if res.Pending, err = repo.PurgeReplayed(ctx, h.db, now.Add(-24*time.Hour)); err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("pending purge failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "sweep failed")
		return
	}
	ok(c, http.StatusOK, res)
}

// failTopicOp maps topic lifecycle errors onto the response envelope.
func failTopicOp(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, relay.ErrNoBinding):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no binding for user")
	case errors.Is(err, relay.ErrTryLater):
		fail(c, http.StatusServiceUnavailable, ErrCodeTryLater, "try again shortly")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg(op + " failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, op+" failed")
	}
}
