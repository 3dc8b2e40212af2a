// Package schedule holds scheduled newsletters, enforces their lifecycle
// state machine, and runs the poll-driven executor that dispatches jobs
// when their time arrives.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled newsletter. Transitions are
// one-way: Scheduled → Sent or Scheduled → Failed. Sent and Failed are
// terminal.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Store operation errors.
var (
	ErrNotFound     = errors.New("scheduled newsletter not found")
	ErrInvalidState = errors.New("cannot cancel newsletter that has already been sent")
	ErrPastSchedule = errors.New("scheduled time must be in the future")
	ErrNoRecipients = errors.New("recipients must not be empty")
)

// Newsletter is a persisted intent to dispatch a newsletter at a future
// time, owned by the user who scheduled it.
type Newsletter struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Subject     string     `json:"subject"`
	Content     string     `json:"content"`
	Recipients  []string   `json:"recipients"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

// Store is the scheduled-newsletter repository. Create/ListByOwner/Cancel
// serve the HTTP gateway; ClaimDue/MarkSent/MarkFailed serve the executor.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create validates and persists a new scheduled newsletter. It returns
	// ErrPastSchedule when scheduledAt is not strictly in the future and
	// ErrNoRecipients for an empty recipient set.
	Create(ctx context.Context, ownerID, subject, content string, recipients []string, scheduledAt time.Time) (*Newsletter, error)

	// ListByOwner returns the owner's scheduled newsletters, oldest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*Newsletter, error)

	// Cancel removes a newsletter still in StatusScheduled. It returns
	// ErrNotFound when no newsletter with that id belongs to the owner and
	// ErrInvalidState when the newsletter already reached a terminal state.
	Cancel(ctx context.Context, id, ownerID string) error

	// ClaimDue atomically claims newsletters whose scheduled time has
	// arrived, so that no two executors process the same job.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Newsletter, error)

	// MarkSent transitions a claimed newsletter to StatusSent.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkFailed transitions a claimed newsletter to StatusFailed.
	MarkFailed(ctx context.Context, id string) error
}

// newID generates a collision-resistant schedule id: creation time in
// unix millis plus a random suffix, so concurrent creates cannot collide.
func newID(now time.Time) string {
	return fmt.Sprintf("scheduled_%d_%s", now.UnixMilli(), uuid.New().String()[:8])
}

// validateCreate applies the shared creation invariants.
func validateCreate(recipients []string, scheduledAt, now time.Time) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	if !scheduledAt.After(now) {
		return ErrPastSchedule
	}
	return nil
}
