// Package relay – admin operations.
//
// Close/reopen act on both sides at once: the platform topic and the
// binding's closed flag, under the user lease so they serialize with the
// forward pipeline.
package relay

import (
	"context"
	"errors"

	"github.com/tbourn/go-relay-backend/internal/health"
	"github.com/tbourn/go-relay-backend/internal/repo"
)

// BindingStatus is the admin-facing view of a user's relay state.
type BindingStatus struct {
	UserID       string        `json:"user_id"`
	ThreadID     int64         `json:"thread_id"`
	Title        string        `json:"title"`
	Closed       bool          `json:"closed"`
	Bound        bool          `json:"bound"`
	Health       health.Status `json:"health"`
	PendingCount int           `json:"pending_count"`
}

// CloseTopic closes the user's topic: forwarding is refused until reopened.
func (s *Service) CloseTopic(ctx context.Context, userID string) error {
	return s.WithUserLock(ctx, userID, func(ctx context.Context) error {
		b, err := repo.GetBinding(ctx, s.DB, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNoBinding
		}
		if err != nil {
			return err
		}
		if b.Bound() {
			if perr := s.Platform.CloseForumTopic(ctx, s.GroupChatID, b.ThreadID); perr != nil {
				return perr
			}
		}
		return repo.SetBindingClosed(ctx, s.DB, userID, true)
	})
}

// ReopenTopic reverses CloseTopic.
func (s *Service) ReopenTopic(ctx context.Context, userID string) error {
	return s.WithUserLock(ctx, userID, func(ctx context.Context) error {
		b, err := repo.GetBinding(ctx, s.DB, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNoBinding
		}
		if err != nil {
			return err
		}
		if b.Bound() {
			if perr := s.Platform.ReopenForumTopic(ctx, s.GroupChatID, b.ThreadID); perr != nil {
				return perr
			}
		}
		return repo.SetBindingClosed(ctx, s.DB, userID, false)
	})
}

// Status reports the user's binding, live health, and pending backlog.
// Read-only, so it runs outside the lease.
func (s *Service) Status(ctx context.Context, userID string) (*BindingStatus, error) {
	b, err := repo.GetBinding(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoBinding
	}
	if err != nil {
		return nil, err
	}

	st := health.StatusMissing
	if b.Bound() {
		st, err = s.Health.Check(ctx, b.ThreadID)
		if err != nil {
			return nil, err
		}
	}
	pending, err := repo.ListPending(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}

	return &BindingStatus{
		UserID:       b.UserID,
		ThreadID:     b.ThreadID,
		Title:        b.Title,
		Closed:       b.Closed,
		Bound:        b.Bound(),
		Health:       st,
		PendingCount: len(pending),
	}, nil
}
