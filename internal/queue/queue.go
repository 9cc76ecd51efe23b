// Package queue manages the per-round matchmaking queues in the shared
// store. Each round has a sorted set queue:round:<n> whose members are
// JSON-encoded entries and whose scores are the join timestamps in
// milliseconds, giving stable FIFO ordering by join time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tourneylab/matchmaking/internal/registry"
	"github.com/tourneylab/matchmaking/internal/store"
)

const (
	// keyTTL is the sliding TTL on each round queue key, refreshed on
	// every enqueue.
	keyTTL = 10 * time.Minute

	// maxEntryAge is how long an entry may sit in a queue before the
	// garbage collector drops it.
	maxEntryAge = 5 * time.Minute
)

var (
	// ErrAlreadyMatched is returned when the participant's status flipped
	// to matched before the enqueue landed (the idempotence guard).
	ErrAlreadyMatched = errors.New("queue: participant already matched")

	// ErrQueueFull is returned when the round queue is at capacity.
	ErrQueueFull = errors.New("queue: round queue is full")
)

// Entry is one participant waiting in a round queue.
type Entry struct {
	ParticipantID   string  `json:"participantId"`
	ParticipantName string  `json:"participantName,omitempty"`
	RoundNumber     int     `json:"roundNumber"`
	SkillLevel      float64 `json:"skillLevel"`
	TreatmentGroup  string  `json:"treatmentGroup,omitempty"`
	JoinedAt        int64   `json:"joinedAt"` // unix ms
	Status          string  `json:"status"`   // always "waiting"
}

// StatusReader is the narrow slice of the participant registry the queue
// needs for its enqueue guard.
type StatusReader interface {
	Status(ctx context.Context, participantID string) (string, error)
}

// Key returns the shared-store key for a round's queue.
func Key(round int) string {
	return fmt.Sprintf("queue:round:%d", round)
}

// Service implements the per-round queue operations.
type Service struct {
	store    *store.Client
	statuses StatusReader
	maxSize  int
}

// NewService creates a queue service. maxSize <= 0 disables the capacity
// check.
func NewService(st *store.Client, statuses StatusReader, maxSize int) *Service {
	return &Service{store: st, statuses: statuses, maxSize: maxSize}
}

// Add appends entry to the round queue with score = now. It rejects the
// enqueue when the participant's status is already "matched" (a concurrent
// pair won the race) or when the queue is at capacity. The queue key TTL
// is refreshed to 10 minutes.
func (s *Service) Add(ctx context.Context, entry Entry) error {
	if s.statuses != nil {
		status, err := s.statuses.Status(ctx, entry.ParticipantID)
		if err != nil {
			return fmt.Errorf("queue: status check for %s: %w", entry.ParticipantID, err)
		}
		if status == registry.StatusMatched {
			return ErrAlreadyMatched
		}
	}

	key := Key(entry.RoundNumber)

	if s.maxSize > 0 {
		size, err := s.store.ZCard(ctx, key)
		if err != nil {
			return fmt.Errorf("queue: size check: %w", err)
		}
		if size >= int64(s.maxSize) {
			return ErrQueueFull
		}
	}

	if entry.JoinedAt == 0 {
		entry.JoinedAt = time.Now().UnixMilli()
	}
	entry.Status = "waiting"

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	if err := s.store.ZAdd(ctx, key, float64(entry.JoinedAt), string(raw)); err != nil {
		return fmt.Errorf("queue: add %s to %s: %w", entry.ParticipantID, key, err)
	}
	if err := s.store.Expire(ctx, key, keyTTL); err != nil {
		log.Printf("[queue] refresh ttl %s: %v", key, err)
	}
	return nil
}

// Remove drops the participant's entry from the round queue. Removing a
// participant who is not queued is a no-op.
func (s *Service) Remove(ctx context.Context, round int, participantID string) error {
	key := Key(round)
	members, err := s.store.ZRangeWithScores(ctx, key)
	if err != nil {
		return fmt.Errorf("queue: read %s: %w", key, err)
	}

	for _, m := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(m.Value), &entry); err != nil {
			continue
		}
		if entry.ParticipantID == participantID {
			if err := s.store.ZRem(ctx, key, m.Value); err != nil {
				return fmt.Errorf("queue: remove %s from %s: %w", participantID, key, err)
			}
		}
	}
	return nil
}

// Entries returns the round's queue in FIFO order (by stored score, not
// parse order). When exclude is non-empty, that participant is filtered
// out; unparseable members are skipped.
func (s *Service) Entries(ctx context.Context, round int, exclude string) ([]Entry, error) {
	members, err := s.store.ZRangeWithScores(ctx, Key(round))
	if err != nil {
		return nil, fmt.Errorf("queue: read round %d: %w", round, err)
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(m.Value), &entry); err != nil {
			log.Printf("[queue] skipping unparseable entry in round %d: %v", round, err)
			continue
		}
		if exclude != "" && entry.ParticipantID == exclude {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Position returns the 1-based FIFO position of the participant in the
// round queue, or -1 when not queued.
func (s *Service) Position(ctx context.Context, round int, participantID string) (int, error) {
	entries, err := s.Entries(ctx, round, "")
	if err != nil {
		return -1, err
	}
	for i, e := range entries {
		if e.ParticipantID == participantID {
			return i + 1, nil
		}
	}
	return -1, nil
}

// Size returns the cardinality of the round queue.
func (s *Service) Size(ctx context.Context, round int) (int64, error) {
	return s.store.ZCard(ctx, Key(round))
}

// CleanupExpired sweeps every queue:round:* key and removes entries older
// than 5 minutes. Returns the number of entries removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, "queue:round:*")
	if err != nil {
		return 0, fmt.Errorf("queue: enumerate queues: %w", err)
	}

	cutoff := time.Now().Add(-maxEntryAge).UnixMilli()
	removed := 0

	for _, key := range keys {
		members, err := s.store.ZRangeWithScores(ctx, key)
		if err != nil {
			log.Printf("[queue] cleanup read %s: %v", key, err)
			continue
		}
		for _, m := range members {
			if int64(m.Score) < cutoff {
				if err := s.store.ZRem(ctx, key, m.Value); err != nil {
					log.Printf("[queue] cleanup remove from %s: %v", key, err)
					continue
				}
				removed++
			}
		}
	}
	return removed, nil
}
