// Package verify implements the challenge/verification collaborator. The
// relay asks it to challenge a user whose destination thread was lost; once
// the user answers correctly it calls back into the router so the pending
// set gets replayed.
//
// Challenge state (expected answer, attempt budget) lives in Redis with a
// TTL; the verified flag is a plain key with no expiry. The challenge
// itself is a small arithmetic question sent to the user's private chat.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-relay-backend/internal/platform"
)

// Verification errors.
var (
	// ErrNoChallenge is returned when a submission arrives with no pending
	// challenge (expired, already solved, or never issued).
	ErrNoChallenge = errors.New("no pending challenge")

	// ErrAttemptsExhausted is returned when the attempt budget is spent; a
	// fresh challenge must be issued.
	ErrAttemptsExhausted = errors.New("challenge attempts exhausted")
)

// Completer is the router-side callback invoked after a successful
// verification. Implemented by relay.Service.
type Completer interface {
	CompleteVerification(ctx context.Context, userID string) error
}

// Service issues and grades verification challenges.
type Service struct {
	// Redis stores challenge state and the verified markers.
	Redis *redis.Client

	// Platform sends the challenge text to the user's private chat.
	Platform platform.Client

	// Completer receives the success callback. Optional in tests.
	Completer Completer

	// ChallengeTTL bounds how long a challenge stays answerable; MaxAttempts
	// bounds wrong answers per challenge. Both default when zero.
	ChallengeTTL time.Duration
	MaxAttempts  int
}

func (s *Service) challengeTTL() time.Duration {
	if s.ChallengeTTL > 0 {
		return s.ChallengeTTL
	}
	return 10 * time.Minute
}

func (s *Service) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}

func challengeKey(userID string) string { return "verify:challenge:" + userID }
func attemptsKey(userID string) string  { return "verify:attempts:" + userID }
func verifiedKey(userID string) string  { return "verify:ok:" + userID }

// IsVerified reports whether userID has a standing verified marker.
func (s *Service) IsVerified(ctx context.Context, userID string) (bool, error) {
	n, err := s.Redis.Exists(ctx, verifiedKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("verified lookup: %w", err)
	}
	return n == 1, nil
}

// HasChallenge reports whether userID has a live, answerable challenge.
func (s *Service) HasChallenge(ctx context.Context, userID string) (bool, error) {
	n, err := s.Redis.Exists(ctx, challengeKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("challenge lookup: %w", err)
	}
	return n == 1, nil
}

// MarkUnverified clears the verified marker. Called by the router on every
// Lost transition so the next message from the user triggers a challenge.
func (s *Service) MarkUnverified(ctx context.Context, userID string) error {
	if err := s.Redis.Del(ctx, verifiedKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear verified marker: %w", err)
	}
	return nil
}

// Issue creates (or replaces) the user's challenge and sends it to their
// private chat. Re-issuing resets the attempt budget.
func (s *Service) Issue(ctx context.Context, userID string, userChatID int64) error {
	a, b := rand.IntN(9)+1, rand.IntN(9)+1
	answer := strconv.Itoa(a + b)

	ttl := s.challengeTTL()
	if err := s.Redis.Set(ctx, challengeKey(userID), answer, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	if err := s.Redis.Set(ctx, attemptsKey(userID), s.maxAttempts(), ttl).Err(); err != nil {
		return fmt.Errorf("store attempt budget: %w", err)
	}

	text := fmt.Sprintf("Please verify you are human to continue: what is %d + %d? Your messages are queued and will be delivered once you answer.", a, b)
	if _, err := s.Platform.SendMessage(ctx, userChatID, 0, text); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("verification challenge issued")
	return nil
}

// Submit grades an answer. On success it sets the verified marker, clears
// the challenge, and invokes the router completion callback. The boolean
// result reports whether the answer was correct; wrong answers burn one
// attempt, notify the user, and return (false, nil) until the budget is
// spent.
func (s *Service) Submit(ctx context.Context, userID string, userChatID int64, answer string) (bool, error) {
	expected, err := s.Redis.Get(ctx, challengeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNoChallenge
	}
	if err != nil {
		return false, fmt.Errorf("load challenge: %w", err)
	}

	if strings.TrimSpace(answer) != expected {
		left, derr := s.Redis.Decr(ctx, attemptsKey(userID)).Result()
		if derr != nil {
			return false, fmt.Errorf("burn attempt: %w", derr)
		}
		if left <= 0 {
			s.Redis.Del(ctx, challengeKey(userID), attemptsKey(userID))
			s.say(ctx, userChatID, "Too many wrong answers. Send another message to receive a new challenge.")
			return false, ErrAttemptsExhausted
		}
		s.say(ctx, userChatID, fmt.Sprintf("That is not correct. %d attempt(s) left.", left))
		return false, nil
	}

	if err := s.Redis.Set(ctx, verifiedKey(userID), "1", 0).Err(); err != nil {
		return false, fmt.Errorf("set verified marker: %w", err)
	}
	s.Redis.Del(ctx, challengeKey(userID), attemptsKey(userID))
	log.Info().Str("user_id", userID).Msg("verification completed")

	if s.Completer != nil {
		if err := s.Completer.CompleteVerification(ctx, userID); err != nil {
			// The marker is set; replay will be retried by the next
			// completion delivery or admin sweep.
			log.Error().Err(err).Str("user_id", userID).Msg("pending replay after verification failed")
		}
	}
	return true, nil
}

// say sends a best-effort feedback line; grading outcomes never fail on it.
func (s *Service) say(ctx context.Context, chatID int64, text string) {
	if _, err := s.Platform.SendMessage(ctx, chatID, 0, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("verification feedback not delivered")
	}
}
