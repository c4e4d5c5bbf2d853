// Package relay – post-verification replay.
//
// CompleteVerification is the callback the verification collaborator
// invokes after a successful challenge. It runs under the same user lease
// as the forward pipeline, rebinds the user to a freshly created thread,
// and replays the pending set exactly once per message: each row is claimed
// with a conditional update before its copy is sent, so a duplicated
// completion callback cannot double-deliver.
package relay

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-relay-backend/internal/repo"
)

// CompleteVerification replays the user's pending messages into a (fresh)
// topic thread and returns the user to the Bound state.
func (s *Service) CompleteVerification(ctx context.Context, userID string) error {
	tr := otel.Tracer("relay/Service")
	ctx, span := tr.Start(ctx, "CompleteVerification",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	return s.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return s.replayPending(ctx, userID)
	})
}

func (s *Service) replayPending(ctx context.Context, userID string) error {
	rows, err := repo.ListPending(ctx, s.DB, userID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Rebind first: replay needs a live destination. The first pending row
	// carries the user's chat id for the event shape ensureBinding expects.
	b, err := s.ensureBinding(ctx, InboundMessage{
		UserID:     userID,
		UserChatID: rows[0].ChatID,
	})
	if err != nil {
		return err
	}

	replayed := 0
	for _, row := range rows {
		claimed, cerr := repo.ClaimPending(ctx, s.DB, row.ID)
		if cerr != nil {
			return cerr
		}
		if !claimed {
			// Another replayer owns this row; skip, never re-send.
			continue
		}
		if _, serr := s.Platform.CopyMessage(ctx, row.ChatID, row.MessageID, s.GroupChatID, b.ThreadID); serr != nil {
			// Stop the batch; unclaimed rows stay queued for the next
			// completion delivery. The claimed row is sacrificed to keep
			// replay at-most-once.
			log.Error().Err(serr).
				Str("user_id", userID).
				Int64("message_id", row.MessageID).
				Int("replayed", replayed).
				Msg("pending replay interrupted")
			return serr
		}
		replayed++
		relayReplays.Inc()
	}

	log.Info().Str("user_id", userID).Int("replayed", replayed).Msg("pending set replayed")
	return nil
}
