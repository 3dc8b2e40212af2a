package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "newsletter:"
	ownerPrefix  = "newsletters:owner:"
	dueKey       = "newsletters:due"

	// terminalRetention is how long Sent/Failed records remain readable
	// before Redis expires them.
	terminalRetention = 7 * 24 * time.Hour
)

// RedisStore is a Redis-backed Store for deployments where the HTTP
// gateway and the executor run in separate processes. Claims are
// arbitrated through the due-time sorted set: removing an id from the set
// succeeds for exactly one claimant.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a schedule store on an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func jobKey(id string) string   { return jobKeyPrefix + id }
func ownerKey(id string) string { return ownerPrefix + id }

// Create validates and stores a new scheduled newsletter.
func (s *RedisStore) Create(ctx context.Context, ownerID, subject, content string, recipients []string, scheduledAt time.Time) (*Newsletter, error) {
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

	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal newsletter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(n.ID), data, 0)
	pipe.SAdd(ctx, ownerKey(ownerID), n.ID)
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(scheduledAt.Unix()), Member: n.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store newsletter: %w", err)
	}

	return n, nil
}

// ListByOwner returns the owner's newsletters ordered by creation time.
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*Newsletter, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner ids: %w", err)
	}

	var out []*Newsletter
	for _, id := range ids {
		n, err := s.get(ctx, id)
		if err == redis.Nil {
			// Expired terminal record; drop the dangling index entry.
			s.client.SRem(ctx, ownerKey(ownerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Cancel removes a newsletter if it is still scheduled and unclaimed.
func (s *RedisStore) Cancel(ctx context.Context, id, ownerID string) error {
	n, err := s.get(ctx, id)
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if n.OwnerID != ownerID {
		return ErrNotFound
	}
	if n.Status != StatusScheduled {
		return ErrInvalidState
	}

	// Removing the due entry doubles as the claim token: if an executor
	// already took it, the job is in flight and can no longer be cancelled.
	removed, err := s.client.ZRem(ctx, dueKey, id).Result()
	if err != nil {
		return fmt.Errorf("unclaim newsletter: %w", err)
	}
	if removed == 0 {
		return ErrInvalidState
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.SRem(ctx, ownerKey(ownerID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete newsletter: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit due newsletters across all owners.
func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Newsletter, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query due newsletters: %w", err)
	}

	var claimed []*Newsletter
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, dueKey, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim newsletter %s: %w", id, err)
		}
		if removed == 0 {
			continue // another executor won this one
		}
		n, err := s.get(ctx, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, n)
	}
	return claimed, nil
}

// MarkSent transitions a claimed newsletter to StatusSent.
func (s *RedisStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.finish(ctx, id, StatusSent, &sentAt)
}

// MarkFailed transitions a claimed newsletter to StatusFailed.
func (s *RedisStore) MarkFailed(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusFailed, nil)
}

func (s *RedisStore) finish(ctx context.Context, id string, status Status, sentAt *time.Time) error {
	n, err := s.get(ctx, id)
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if n.Status != StatusScheduled {
		return ErrInvalidState
	}

	n.Status = status
	n.SentAt = sentAt
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal newsletter: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(id), data, terminalRetention).Err(); err != nil {
		return fmt.Errorf("update newsletter: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*Newsletter, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var n Newsletter
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal newsletter %s: %w", id, err)
	}
	return &n, nil
}
