// Package registry tracks per-participant matchmaking status in the shared
// store. Status records live under participant:<id>:status with a 1 hour
// TTL that is renewed on every write, so records for participants who
// vanish are garbage collected by Redis itself.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tourneylab/matchmaking/internal/store"
)

const statusTTL = 1 * time.Hour

// Participant status values. The engine writes searching/matched, the
// dispatcher writes disconnected/timeout, cancellation writes cancelled.
const (
	StatusSearching    = "searching"
	StatusMatching     = "matching"
	StatusMatched      = "matched"
	StatusCancelled    = "cancelled"
	StatusDisconnected = "disconnected"
	StatusTimeout      = "timeout"
)

// Record is a participant's status record as stored.
type Record struct {
	Status         string
	MatchID        string
	Round          int
	SkillLevel     float64
	TreatmentGroup string
	Name           string
	LastUpdated    int64 // unix ms
}

// Registry reads and writes participant status records.
type Registry struct {
	store *store.Client
}

// New creates a Registry backed by the shared store.
func New(st *store.Client) *Registry {
	return &Registry{store: st}
}

func statusKey(participantID string) string {
	return "participant:" + participantID + ":status"
}

// SetSearching marks a participant as searching with the metadata the
// pairing path needs later (round, skill, group, display name).
func (r *Registry) SetSearching(ctx context.Context, participantID string, round int, skill float64, group, name string) error {
	fields := map[string]interface{}{
		"status":          StatusSearching,
		"round":           strconv.Itoa(round),
		"skill_level":     strconv.FormatFloat(skill, 'f', -1, 64),
		"treatment_group": group,
		"name":            name,
		"match_id":        "",
		"last_updated":    time.Now().UnixMilli(),
	}
	if err := r.store.HSetWithTTL(ctx, statusKey(participantID), fields, statusTTL); err != nil {
		return fmt.Errorf("registry: set searching %s: %w", participantID, err)
	}
	return nil
}

// SetMatched marks a participant as matched with the given match id.
func (r *Registry) SetMatched(ctx context.Context, participantID, matchID string) error {
	fields := map[string]interface{}{
		"status":       StatusMatched,
		"match_id":     matchID,
		"last_updated": time.Now().UnixMilli(),
	}
	if err := r.store.HSetWithTTL(ctx, statusKey(participantID), fields, statusTTL); err != nil {
		return fmt.Errorf("registry: set matched %s: %w", participantID, err)
	}
	return nil
}

// SetStatus writes a bare status transition (cancelled, disconnected,
// timeout, ...) and renews the TTL.
func (r *Registry) SetStatus(ctx context.Context, participantID, status string) error {
	fields := map[string]interface{}{
		"status":       status,
		"last_updated": time.Now().UnixMilli(),
	}
	if err := r.store.HSetWithTTL(ctx, statusKey(participantID), fields, statusTTL); err != nil {
		return fmt.Errorf("registry: set status %s=%s: %w", participantID, status, err)
	}
	return nil
}

// Get returns the participant's record, or nil if none exists.
func (r *Registry) Get(ctx context.Context, participantID string) (*Record, error) {
	m, err := r.store.HGetAll(ctx, statusKey(participantID))
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", participantID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}

	round, _ := strconv.Atoi(m["round"])
	skill, _ := strconv.ParseFloat(m["skill_level"], 64)
	updated, _ := strconv.ParseInt(m["last_updated"], 10, 64)

	return &Record{
		Status:         m["status"],
		MatchID:        m["match_id"],
		Round:          round,
		SkillLevel:     skill,
		TreatmentGroup: m["treatment_group"],
		Name:           m["name"],
		LastUpdated:    updated,
	}, nil
}

// Status returns just the status string, or "" when no record exists.
// This is the idempotence guard used by the queue before enqueueing.
func (r *Registry) Status(ctx context.Context, participantID string) (string, error) {
	rec, err := r.Get(ctx, participantID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	return rec.Status, nil
}
