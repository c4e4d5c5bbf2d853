// Package relay defines the self-healing router that drives the per-user
// forward/verify/recover pipeline. This file centralizes service-level error
// values so they can be consistently returned by relay methods and checked
// by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package relay

import "errors"

var (
	// ErrTryLater is returned when the per-user lease could not be acquired
	// in time, or was lost mid-pipeline. Nothing durable was completed; the
	// caller should surface a transient "try again shortly" response.
	ErrTryLater = errors.New("user pipeline busy, try again shortly")

	// ErrRateLimited is returned when the message rate limit rejects the
	// event.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTopicClosed is returned when the user's topic has been closed by an
	// admin and forwarding is refused.
	ErrTopicClosed = errors.New("topic closed")

	// ErrQueued reports that the message was accepted but held in the
	// pending set because the user has not completed verification. It is a
	// terminal outcome, not a failure; callers acknowledge it.
	ErrQueued = errors.New("message queued awaiting verification")

	// ErrTopicCreateFailed is returned when topic creation exhausted its
	// retry budget or hit a non-retryable platform error.
	ErrTopicCreateFailed = errors.New("topic creation failed")

	// ErrNoBinding indicates an admin operation referenced a user with no
	// topic binding.
	ErrNoBinding = errors.New("no topic binding for user")
)
