// Package lock implements a named distributed lock over the shared store.
// A lock is a plain string key holding an owner token, acquired with
// SET NX PX and released with a scripted compare-and-delete so an expired
// holder cannot free a lock someone else has since acquired. The TTL is
// the safety net against crashed holders; normal release is explicit.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/tourneylab/matchmaking/internal/store"
)

// RoundKey returns the pairing lock key for a round. At most one pair
// attempt per round runs while this lock is held.
func RoundKey(round int) string {
	return fmt.Sprintf("matchlock:round:%d", round)
}

// Service acquires and releases named locks.
type Service struct {
	store *store.Client
}

// NewService creates a lock service backed by the shared store.
func NewService(st *store.Client) *Service {
	return &Service{store: st}
}

// Acquire takes the lock at key for ownerToken with the given TTL.
// Returns false without error when the lock is held by someone else.
func (s *Service) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	ok, err := s.store.SetNX(ctx, key, ownerToken, ttl)
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release frees the lock at key only if it is still held by ownerToken.
// Returns whether the deletion occurred.
func (s *Service) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	deleted, err := s.store.CompareAndDelete(ctx, key, ownerToken)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}
	return deleted, nil
}
