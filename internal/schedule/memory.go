package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. Jobs do not survive a
// restart; single-process deployments accept that, others use RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Newsletter
	claimed map[string]bool
}

// NewMemoryStore creates an empty in-memory schedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Newsletter),
		claimed: make(map[string]bool),
	}
}

// Create validates and stores a new scheduled newsletter.
func (s *MemoryStore) Create(ctx context.Context, ownerID, subject, content string, recipients []string, scheduledAt time.Time) (*Newsletter, error) {
	now := time.Now()
	if err := validateCreate(recipients, scheduledAt, now); err != nil {
		return nil, err
	}

	n := &Newsletter{
		ID:          newID(now),
		OwnerID:     ownerID,
		Subject:     subject,
		Content:     content,
		Recipients:  append([]string(nil), recipients...),
		ScheduledAt: scheduledAt,
		Status:      StatusScheduled,
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.jobs[n.ID] = n
	s.mu.Unlock()

	return copyNewsletter(n), nil
}

// ListByOwner returns the owner's newsletters ordered by creation time.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Newsletter, error) {
	s.mu.RLock()
	var out []*Newsletter
	for _, n := range s.jobs {
		if n.OwnerID == ownerID {
			out = append(out, copyNewsletter(n))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Cancel removes a newsletter if it is still in StatusScheduled.
func (s *MemoryStore) Cancel(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.jobs[id]
	if !ok || n.OwnerID != ownerID {
		return ErrNotFound
	}
	if n.Status != StatusScheduled || s.claimed[id] {
		return ErrInvalidState
	}

	delete(s.jobs, id)
	return nil
}

// ClaimDue claims up to limit due newsletters. A claimed job can no longer
// be cancelled and waits for MarkSent or MarkFailed.
func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Newsletter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Newsletter
	for _, n := range s.jobs {
		if n.Status == StatusScheduled && !s.claimed[n.ID] && !n.ScheduledAt.After(now) {
			due = append(due, copyNewsletter(n))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, n := range due {
		s.claimed[n.ID] = true
	}
	return due, nil
}

// MarkSent transitions a claimed newsletter to StatusSent.
func (s *MemoryStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.finish(id, StatusSent, &sentAt)
}

// MarkFailed transitions a claimed newsletter to StatusFailed.
func (s *MemoryStore) MarkFailed(ctx context.Context, id string) error {
	return s.finish(id, StatusFailed, nil)
}

func (s *MemoryStore) finish(id string, status Status, sentAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status != StatusScheduled {
		return ErrInvalidState
	}
	n.Status = status
	n.SentAt = sentAt
	delete(s.claimed, id)
	return nil
}

func copyNewsletter(n *Newsletter) *Newsletter {
	c := *n
	c.Recipients = append([]string(nil), n.Recipients...)
	return &c
}
