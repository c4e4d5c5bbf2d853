// Package relay – topic creation.
//
// Creation is the racy half of the Unbound→Bound transition: the platform
// call is not idempotent, so the router creates under the user lease,
// collapses concurrent requests through singleflight, and verifies every
// fresh thread with a probe before trusting it. A thread that fails its
// verify-after-create probe is torn down and retried.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-relay-backend/internal/health"
	"github.com/tbourn/go-relay-backend/internal/platform"
)

// createThread creates and verifies a new topic thread for userID.
// Retryable failures (transport, rate limiting, failed verification) are
// retried with exponential backoff up to CreateRetries attempts;
// non-retryable platform errors (forbidden, chat not found) abort
// immediately. Concurrent calls for the same user share one flight.
func (s *Service) createThread(ctx context.Context, userID, title string) (int64, error) {
	v, err, _ := s.createGroup.Do(userID, func() (any, error) {
		return s.createThreadOnce(ctx, title)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Service) createThreadOnce(ctx context.Context, title string) (int64, error) {
	attempts := s.CreateRetries
	if attempts <= 0 {
		attempts = 3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		topic, err := s.Platform.CreateForumTopic(ctx, s.GroupChatID, title)
		if err != nil {
			kind := platform.Classify(err)
			if !platform.Retryable(kind) {
				return 0, fmt.Errorf("%w: %s", ErrTopicCreateFailed, kind)
			}
			lastErr = err
			continue
		}

		// Verify-after-create: a thread the platform reports but does not
		// route to is useless; probe it before binding anyone to it.
		st, perr := s.Health.Probe(ctx, topic.ThreadID)
		if perr == nil && st == health.StatusOK {
			relayTopicsCreated.Inc()
			log.Info().Int64("thread_id", topic.ThreadID).Str("title", title).Msg("topic created")
			return topic.ThreadID, nil
		}

		log.Warn().
			Int64("thread_id", topic.ThreadID).
			Str("status", string(st)).
			Msg("freshly created topic failed verification; discarding")
		s.discardThread(ctx, topic.ThreadID)
		lastErr = fmt.Errorf("created thread failed verification: %s", st)
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return 0, fmt.Errorf("%w: %v", ErrTopicCreateFailed, lastErr)
}

// discardThread best-effort removes a thread that failed verification.
func (s *Service) discardThread(ctx context.Context, threadID int64) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Platform.DeleteForumTopic(delCtx, s.GroupChatID, threadID); err != nil {
		log.Debug().Err(err).Int64("thread_id", threadID).Msg("discard of unverified topic failed")
	}
}
