// Package platform defines the outbound chat-platform boundary used by the
// relay core: a narrow Client interface over the handful of bot-API calls
// the relay needs (send/copy/delete/edit a message, manage forum topics),
// structured acknowledgments, and a machine-classifiable error taxonomy.
//
// The relay never parses inbound platform traffic here; that belongs to the
// webhook layer, which hands the core structured events. This package only
// covers the bounded-latency outbound calls and their classification.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// SendResult is the structured acknowledgment of a successful outbound send.
//
// Fields:
//   - MessageID: identifier of the message the platform created.
//   - ChatID: chat the platform reports having delivered into.
//   - ThreadID: destination thread the platform reports, when it reports one.
//   - HasThreadID: whether the acknowledgment named a destination thread at
//     all. The platform can accept a send without error while rerouting it,
//     so callers must compare ThreadID against the thread they addressed and
//     treat a missing or different value as a probable routing loss.
type SendResult struct {
	MessageID   int64
	ChatID      int64
	ThreadID    int64
	HasThreadID bool
}

// Topic is the acknowledgment of a forum-topic creation.
type Topic struct {
	ThreadID int64
	Name     string
}

// Client is the outbound platform surface the relay core depends on. All
// calls are expected to enforce short timeouts via the supplied context and
// return either a structured result or an error classifiable with Classify.
type Client interface {
	// SendMessage posts text into a chat; threadID 0 targets the general
	// thread of the chat rather than a topic.
	SendMessage(ctx context.Context, chatID, threadID int64, text string) (*SendResult, error)

	// CopyMessage re-posts an existing message (by source chat and id) into
	// the destination chat/thread without a forward header. This is how user
	// messages travel into their topic and back out.
	CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, threadID int64) (*SendResult, error)

	// DeleteMessage removes a previously sent message.
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// EditMessageText replaces the text of a previously sent message.
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) (*SendResult, error)

	// CreateForumTopic opens a new topic thread in the group chat.
	CreateForumTopic(ctx context.Context, chatID int64, name string) (*Topic, error)

	// CloseForumTopic, ReopenForumTopic and DeleteForumTopic manage the
	// lifecycle of an existing topic thread.
	CloseForumTopic(ctx context.Context, chatID, threadID int64) error
	ReopenForumTopic(ctx context.Context, chatID, threadID int64) error
	DeleteForumTopic(ctx context.Context, chatID, threadID int64) error
}

// Kind buckets platform failures into the classes the relay branches on.
type Kind string

const (
	// KindThreadNotFound: the addressed topic thread is gone (deleted or
	// never existed). Destination loss for the router.
	KindThreadNotFound Kind = "thread_not_found"
	// KindChatNotFound: the whole chat is unreachable (bot removed, chat
	// deleted). Non-retryable for topic creation.
	KindChatNotFound Kind = "chat_not_found"
	// KindForbidden: the bot lacks rights for the call. Non-retryable.
	KindForbidden Kind = "forbidden"
	// KindBadRequest: the request payload itself was rejected; says nothing
	// about thread existence.
	KindBadRequest Kind = "bad_request"
	// KindRateLimited: the platform asked us to slow down.
	KindRateLimited Kind = "rate_limited"
	// KindTransport: timeout, connection reset, or other transport failure
	// before a platform verdict was obtained.
	KindTransport Kind = "transport"
	// KindUnknown: anything else.
	KindUnknown Kind = "unknown"
)

// Error is a classified platform failure.
//
// Fields:
//   - Kind: coarse class used for branching (see Kind constants).
//   - Code: numeric error code reported by the platform, if any.
//   - Description: the platform's human-readable description, useful in logs
//     but never parsed outside Classify.
type Error struct {
	Kind        Kind
	Code        int
	Description string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("platform: %s (%d): %s", e.Kind, e.Code, e.Description)
}

// Classify extracts the Kind from any error returned by a Client call.
// Non-platform errors (context deadline, transport) map to KindTransport;
// nil maps to KindUnknown so callers never mistake it for a verdict.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}
	return KindTransport
}

// Retryable reports whether a failure class is worth retrying with backoff.
// Permission and existence failures never are.
func Retryable(k Kind) bool {
	switch k {
	case KindRateLimited, KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}
