// Package relay – Service
//
// This file implements the self-healing router, the orchestrator of the
// per-user pipeline: acquire the user lease, check the rate limit, check
// thread health against cache, then forward the message or drive recovery.
// Every externally triggered mutation for a user runs under that user's
// lease; unlocked processing is disallowed because it reopens the races
// (duplicate topic creation, double-counted limits) the lock exists to
// prevent.
//
// Observability: public methods are OpenTelemetry-instrumented and pipeline
// outcomes are counted in Prometheus (see metrics.go).
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/health"
	"github.com/tbourn/go-relay-backend/internal/lock"
	"github.com/tbourn/go-relay-backend/internal/platform"
	"github.com/tbourn/go-relay-backend/internal/ratelimit"
	"github.com/tbourn/go-relay-backend/internal/repo"
)

const (
	// actionMessage is the rate-limit action for inbound messages.
	actionMessage = "message"

	// userLockPrefix namespaces per-user lease keys.
	userLockPrefix = "user:"
)

// Verifier is the challenge/verification collaborator the router calls to
// gate and re-gate users. Implemented by verify.Service.
type Verifier interface {
	// IsVerified reports whether the user holds a standing verified marker.
	IsVerified(ctx context.Context, userID string) (bool, error)

	// MarkUnverified clears the marker so the user's next message is gated.
	MarkUnverified(ctx context.Context, userID string) error

	// HasChallenge reports whether the user has an outstanding, unexpired
	// challenge awaiting an answer.
	HasChallenge(ctx context.Context, userID string) (bool, error)

	// Issue sends a fresh challenge to the user's private chat.
	Issue(ctx context.Context, userID string, userChatID int64) error
}

// Service coordinates forwarding, verification gating, and destination-loss
// recovery for all users.
type Service struct {
	// DB is the GORM handle for bindings and the pending set.
	DB *gorm.DB

	// Platform performs all outbound chat-platform calls.
	Platform platform.Client

	// Locks serializes the per-user pipeline.
	Locks *lock.Runner

	// Rates is the atomic counter service for message limits.
	Rates *ratelimit.CounterService

	// Health probes and caches destination-thread liveness.
	Health *health.Oracle

	// Verifier gates unverified users and re-challenges on loss.
	Verifier Verifier

	// GroupChatID is the shared group space hosting all topic threads.
	GroupChatID int64

	// MessageLimit / MessageWindow configure the per-user message limit.
	MessageLimit  int64
	MessageWindow time.Duration

	// PendingMax bounds the per-user pending set (FIFO-trimmed).
	PendingMax int

	// CreateRetries bounds topic-creation attempts. Defaults to 3.
	CreateRetries int

	// TitleMaxLen caps topic titles by rune length. TitleLocale drives
	// casing. Both default sensibly when zero.
	TitleMaxLen int
	TitleLocale language.Tag

	// createGroup collapses concurrent creation requests per user when a
	// caller reaches creation without holding the user lease.
	createGroup singleflight.Group
}

// WithUserLock runs fn under the user's lease. Lease acquisition timeouts
// and mid-section losses both surface as ErrTryLater: the caller retries
// shortly instead of ever processing unlocked.
func (s *Service) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	err := s.Locks.WithLock(ctx, userLockPrefix+userID, fn)
	if errors.Is(err, lock.ErrAcquireTimeout) || errors.Is(err, lock.ErrLeaseLost) {
		log.Warn().Err(err).Str("user_id", userID).Msg("user pipeline yielded")
		return ErrTryLater
	}
	return err
}

// CheckRateLimit exposes the atomic counter to external callers (admin
// commands, webhook glue) keyed by action and subject.
func (s *Service) CheckRateLimit(ctx context.Context, subjectID, action string, limit int64, window time.Duration) (ratelimit.Decision, error) {
	return s.Rates.Check(ctx, ratelimit.Key(action, subjectID), limit, window)
}

// ForwardOrRecover runs the full pipeline for one inbound message: lease,
// rate check, verification gate, binding (creating the topic on first
// contact), cached health check, then forward, or the Lost transition when
// the destination is gone.
func (s *Service) ForwardOrRecover(ctx context.Context, ev InboundMessage) error {
	tr := otel.Tracer("relay/Service")
	ctx, span := tr.Start(ctx, "ForwardOrRecover",
		trace.WithAttributes(attribute.String("user.id", ev.UserID)),
	)
	defer span.End()

	return s.WithUserLock(ctx, ev.UserID, func(ctx context.Context) error {
		return s.process(ctx, ev)
	})
}

// process is the critical section body. ctx is canceled if the lease is
// lost; every platform call and durable write checks it implicitly.
func (s *Service) process(ctx context.Context, ev InboundMessage) error {
	// Rate limit first: cheapest check, and a limited user must not trigger
	// probes or creation.
	dec, err := s.Rates.Check(ctx, ratelimit.Key(actionMessage, ev.UserID), s.MessageLimit, s.MessageWindow)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		relayForwards.WithLabelValues("rate_limited").Inc()
		s.notify(ctx, ev.UserChatID, "You are sending messages too quickly. Please wait a moment.")
		return ErrRateLimited
	}

	// Verification gate: unverified users only queue.
	verified, err := s.Verifier.IsVerified(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !verified {
		return s.queueForVerification(ctx, ev)
	}

	// Binding: create the topic on first contact or after a loss.
	b, err := s.ensureBinding(ctx, ev)
	if err != nil {
		relayForwards.WithLabelValues("error").Inc()
		return err
	}
	if b.Closed {
		relayForwards.WithLabelValues("closed").Inc()
		s.notify(ctx, ev.UserChatID, "This conversation has been closed by an operator.")
		return ErrTopicClosed
	}

	// Health, served from cache when fresh.
	st, err := s.Health.Check(ctx, b.ThreadID)
	if err != nil {
		return err
	}
	if st.DestinationLost() {
		return s.transitionLost(ctx, ev, b.ThreadID)
	}
	// probe_invalid and unknown_error are non-committal: attempt the forward
	// and let its own acknowledgment decide.

	// Forward.
	res, err := s.Platform.CopyMessage(ctx, ev.UserChatID, ev.MessageID, s.GroupChatID, b.ThreadID)
	if err != nil {
		if platform.Classify(err) == platform.KindThreadNotFound {
			return s.transitionLost(ctx, ev, b.ThreadID)
		}
		relayForwards.WithLabelValues("error").Inc()
		return err
	}

	// Quiet-redirect detection on the forward acknowledgment. An ack naming
	// the expected thread is itself proof of liveness and feeds the health
	// cache; an ack naming a different thread is treated identically to a
	// probe failure; an ack naming none consults the cached health check
	// before teardown.
	if res.HasThreadID && res.ThreadID != b.ThreadID {
		log.Warn().
			Str("user_id", ev.UserID).
			Int64("expected_thread", b.ThreadID).
			Int64("acked_thread", res.ThreadID).
			Msg("forward acknowledged into unexpected thread")
		s.retract(ctx, res.ChatID, res.MessageID)
		return s.transitionLost(ctx, ev, b.ThreadID)
	}
	switch {
	case res.HasThreadID:
		s.Health.Confirm(ctx, b.ThreadID)
	default:
		st, perr := s.Health.Check(ctx, b.ThreadID)
		if perr == nil && st.DestinationLost() {
			s.retract(ctx, res.ChatID, res.MessageID)
			return s.transitionLost(ctx, ev, b.ThreadID)
		}
	}

	relayForwards.WithLabelValues("forwarded").Inc()
	return nil
}

// queueForVerification enqueues the message and ensures the user has an
// outstanding challenge, issuing a fresh one whenever none is live. A
// challenge can lapse with messages still pending (expiry, attempt
// exhaustion), so the gate is challenge presence, not queue emptiness.
// Returns ErrQueued on success so callers acknowledge the held state.
func (s *Service) queueForVerification(ctx context.Context, ev InboundMessage) error {
	if err := repo.EnqueuePending(ctx, s.DB, ev.UserID, ev.UserChatID, ev.MessageID, s.PendingMax); err != nil {
		return err
	}
	has, err := s.Verifier.HasChallenge(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !has {
		if err := s.Verifier.Issue(ctx, ev.UserID, ev.UserChatID); err != nil {
			return err
		}
	}
	relayForwards.WithLabelValues("queued").Inc()
	return ErrQueued
}

// ensureBinding returns the user's binding, creating the topic thread (and
// the binding row) when none is live.
func (s *Service) ensureBinding(ctx context.Context, ev InboundMessage) (*domain.TopicBinding, error) {
	b, err := repo.GetBinding(ctx, s.DB, ev.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if b.Bound() {
		return b, nil
	}

	title := s.topicTitle(ev.DisplayName, ev.UserID)
	if b != nil && b.Title != "" {
		title = b.Title
	}
	threadID, err := s.createThread(ctx, ev.UserID, title)
	if err != nil {
		return nil, err
	}

	if b == nil {
		created, cerr := repo.CreateBinding(ctx, s.DB, ev.UserID, threadID, title)
		if errors.Is(cerr, repo.ErrDuplicate) {
			// Defense-in-depth: a concurrent creator implies the lock was
			// bypassed somewhere. Converge on the stored row.
			return repo.GetBinding(ctx, s.DB, ev.UserID)
		}
		if cerr != nil {
			return nil, cerr
		}
		return created, nil
	}

	if err := repo.RebindThread(ctx, s.DB, ev.UserID, threadID, title); err != nil {
		return nil, err
	}
	return repo.GetBinding(ctx, s.DB, ev.UserID)
}

// transitionLost performs the Lost transition for a user whose destination
// thread is gone: clear the binding and health markers, mark the user
// unverified, enqueue the triggering message, and issue a challenge. The
// old thread id is never reused; recovery always creates fresh.
func (s *Service) transitionLost(ctx context.Context, ev InboundMessage, threadID int64) error {
	relayLost.Inc()
	relayForwards.WithLabelValues("lost").Inc()
	log.Info().
		Str("user_id", ev.UserID).
		Int64("thread_id", threadID).
		Msg("destination thread lost; starting recovery")

	s.Health.Invalidate(ctx, threadID)

	if err := repo.ClearBindingThread(ctx, s.DB, ev.UserID, threadID); err != nil && !errors.Is(err, repo.ErrStale) {
		return err
	}
	if err := s.Verifier.MarkUnverified(ctx, ev.UserID); err != nil {
		return err
	}
	if err := repo.EnqueuePending(ctx, s.DB, ev.UserID, ev.UserChatID, ev.MessageID, s.PendingMax); err != nil {
		return err
	}
	return s.Verifier.Issue(ctx, ev.UserID, ev.UserChatID)
}

// notify sends a best-effort service message to the user's private chat.
func (s *Service) notify(ctx context.Context, userChatID int64, text string) {
	if _, err := s.Platform.SendMessage(ctx, userChatID, 0, text); err != nil {
		log.Debug().Err(err).Int64("chat_id", userChatID).Msg("user notice not delivered")
	}
}

// retract best-effort deletes a message that landed somewhere it should not
// have (orphaned copy after a quiet redirect).
func (s *Service) retract(ctx context.Context, chatID, messageID int64) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Platform.DeleteMessage(delCtx, chatID, messageID); err != nil {
		log.Debug().Err(err).Int64("message_id", messageID).Msg("orphaned copy not deleted")
	}
}

// topicTitle derives a topic title from the user's display name, cased per
// the configured locale and clipped by rune length.
func (s *Service) topicTitle(displayName, userID string) string {
	name := displayName
	if name == "" {
		name = "User " + userID
	}
	tag := s.TitleLocale
	if tag == language.Und {
		tag = language.English
	}
	name = cases.Title(tag).String(name)

	maxLen := s.TitleMaxLen
	if maxLen <= 0 {
		maxLen = 64
	}
	runes := []rune(name)
	if len(runes) > maxLen {
		name = string(runes[:maxLen])
	}
	return name
}
