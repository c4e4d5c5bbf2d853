// Package domain defines the persistence models for the relay core: per-key
// rate-limit windows, user-to-thread topic bindings, and pending messages
// awaiting verification. These types are mapped with GORM and form the
// durable side of the relay's coordination state.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// RateRecord tracks one sliding rate-limit window for a single key of the
// form "action:subjectId". The record is the durable source of truth for the
// counter service: an admitted hit is only valid once the increment has been
// persisted.
//
// Fields:
//   - Key: "action:subjectId" primary key.
//   - Count: admitted hits inside the current window; only ever increases
//     within a window, resets to 1 when a new window opens.
//   - WindowExpiresAt: end of the current window; rows past this instant are
//     dead weight and eligible for the sweep.
//   - Version: optimistic-concurrency token; every mutation must name the
//     version it read, so two racing writers can never both win.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type RateRecord struct {
	Key             string    `json:"key"               gorm:"type:varchar(128);primaryKey"`
	Count           int64     `json:"count"             gorm:"not null"`
	WindowExpiresAt time.Time `json:"window_expires_at" gorm:"not null;index"`
	Version         int64     `json:"-"                 gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for RateRecord.
func (RateRecord) TableName() string { return "rate_records" }

// TopicBinding maps one user to exactly one topic thread in the shared group
// space. It is owned by the relay router: created on first contact, closed or
// reopened by admin commands, and cleared when the health oracle reports that
// the destination thread is gone.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: the private-conversation peer; unique, one binding per user.
//   - ThreadID: destination thread inside the group space. Zero means the
//     binding is in the Unbound/Lost state and the next message triggers
//     creation.
//   - Title: human-readable topic title derived from the user's display name.
//   - Closed: admin-closed topics still exist but reject forwarding.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (binding history survives teardown).
type TopicBinding struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_binding_user"`
	ThreadID  int64          `json:"thread_id"  gorm:"not null;index"`
	Title     string         `json:"title"      gorm:"type:varchar(255);not null"`
	Closed    bool           `json:"closed"     gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for TopicBinding.
func (TopicBinding) TableName() string { return "topic_bindings" }

// Bound reports whether the binding currently points at a live thread.
func (b *TopicBinding) Bound() bool { return b != nil && b.ThreadID != 0 }

// PendingMessage is one queued inbound message waiting for the user to pass
// verification. The set per user is bounded; the oldest rows are trimmed
// first when the cap is exceeded. Replay claims a row by flipping Replayed
// under a conditional update, which is what makes replay at-most-once even
// when the completion callback is delivered twice.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: owning user; replay scans in enqueue order. Participates in
//     the uniqueness of (user, message) so a retried webhook delivery cannot
//     enqueue the same message twice.
//   - ChatID: the user's private chat, the copy source during replay.
//   - MessageID: platform identifier of the original private message.
//   - Replayed: set exactly once by the claiming replayer.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type PendingMessage struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_pending_user;uniqueIndex:ux_pending_user_msg,priority:1"`
	ChatID    int64     `json:"chat_id"    gorm:"not null"`
	MessageID int64     `json:"message_id" gorm:"not null;uniqueIndex:ux_pending_user_msg,priority:2"`
	Replayed  bool      `json:"replayed"   gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for PendingMessage.
func (PendingMessage) TableName() string { return "pending_messages" }
