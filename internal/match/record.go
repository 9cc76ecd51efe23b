// Package match defines the live match record stored in the shared store
// under match:<id>. Records are flat string hashes: nested data (the
// opponent descriptor, AI settings) is JSON-encoded text, and booleans are
// stored as "true"/"false" and coerced back on read.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tourneylab/matchmaking/internal/store"
)

const recordTTL = 2 * time.Hour

// Match types.
const (
	TypeLiveHuman = "live-human"
	TypeHumanVsAI = "human-vs-ai"
)

// Match statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusPaused    = "paused"
)

// ErrSelfMatch is the integrity violation of pairing a participant with
// themselves. It is a hard fault for the pair attempt.
var ErrSelfMatch = errors.New("match: participant cannot be matched with itself")

// Opponent is the per-peer opponent descriptor, serialized as JSON text
// into the record and onto the wire unchanged.
type Opponent struct {
	ParticipantID string  `json:"participantId,omitempty"`
	DisplayName   string  `json:"displayName"`
	SkillLevel    float64 `json:"skillLevel,omitempty"`
	IsAI          bool    `json:"isAI"`
}

// Match is a live match record. For human-vs-ai matches Participant2ID is
// empty and IsAI is true; Opponent and AISettings hold JSON text.
type Match struct {
	ID               string `json:"id"`
	Participant1ID   string `json:"participant1_id"`
	Participant2ID   string `json:"participant2_id,omitempty"`
	Participant1Name string `json:"participant1_name,omitempty"`
	Participant2Name string `json:"participant2_name,omitempty"`
	RoundNumber      int    `json:"round_number"`
	MatchType        string `json:"match_type"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"` // unix ms
	IsAI             bool   `json:"isAI"`
	Opponent         string `json:"opponent,omitempty"`
	AISettings       string `json:"aiSettings,omitempty"`
}

// Validate enforces the record invariants.
func (m *Match) Validate() error {
	if m.ID == "" || m.Participant1ID == "" {
		return fmt.Errorf("match: missing id or participant1")
	}
	if m.Participant1ID == m.Participant2ID && m.Participant2ID != "" {
		return ErrSelfMatch
	}
	if m.IsAI && m.Participant2ID != "" {
		return fmt.Errorf("match: AI match must not carry participant2")
	}
	if !m.IsAI && m.Participant2ID == "" {
		return fmt.Errorf("match: human match requires participant2")
	}
	return nil
}

// EncodeOpponent serializes an opponent descriptor to the JSON text form
// stored in the record.
func EncodeOpponent(op Opponent) string {
	raw, _ := json.Marshal(op)
	return string(raw)
}

// DecodeOpponent parses a stored opponent descriptor.
func DecodeOpponent(raw string) (Opponent, error) {
	var op Opponent
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return Opponent{}, fmt.Errorf("match: decode opponent: %w", err)
	}
	return op, nil
}

func key(matchID string) string {
	return "match:" + matchID
}

// Store reads and writes match records in the shared store.
type Store struct {
	store *store.Client
}

// NewStore creates a match store backed by the shared store.
func NewStore(st *store.Client) *Store {
	return &Store{store: st}
}

// Create writes a new match record with a 2 hour expiry. The record is
// validated first; a self-match is refused here as the last line of
// defense.
func (s *Store) Create(ctx context.Context, m *Match) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.Status == "" {
		m.Status = StatusActive
	}

	fields := map[string]interface{}{
		"id":                m.ID,
		"participant1_id":   m.Participant1ID,
		"participant2_id":   m.Participant2ID,
		"participant1_name": m.Participant1Name,
		"participant2_name": m.Participant2Name,
		"round_number":      strconv.Itoa(m.RoundNumber),
		"match_type":        m.MatchType,
		"status":            m.Status,
		"created_at":        strconv.FormatInt(m.CreatedAt, 10),
		"is_ai":             strconv.FormatBool(m.IsAI),
		"opponent":          m.Opponent,
		"ai_settings":       m.AISettings,
	}
	if err := s.store.HSetWithTTL(ctx, key(m.ID), fields, recordTTL); err != nil {
		return fmt.Errorf("match: create %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the match record, or nil when it does not exist. The stored
// is_ai string is coerced back to a boolean ("true" and "1" both count,
// since upstream writers have produced both).
func (s *Store) Get(ctx context.Context, matchID string) (*Match, error) {
	m, err := s.store.HGetAll(ctx, key(matchID))
	if err != nil {
		return nil, fmt.Errorf("match: get %s: %w", matchID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}

	round, _ := strconv.Atoi(m["round_number"])
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)

	return &Match{
		ID:               m["id"],
		Participant1ID:   m["participant1_id"],
		Participant2ID:   m["participant2_id"],
		Participant1Name: m["participant1_name"],
		Participant2Name: m["participant2_name"],
		RoundNumber:      round,
		MatchType:        m["match_type"],
		Status:           m["status"],
		CreatedAt:        createdAt,
		IsAI:             CoerceBool(m["is_ai"]),
		Opponent:         m["opponent"],
		AISettings:       m["ai_settings"],
	}, nil
}

// UpdateStatus mutates the record's status field.
func (s *Store) UpdateStatus(ctx context.Context, matchID, status string) error {
	err := s.store.HSet(ctx, key(matchID), map[string]interface{}{"status": status})
	if err != nil {
		return fmt.Errorf("match: update status %s: %w", matchID, err)
	}
	return nil
}

// CoerceBool interprets the string encodings of a boolean that appear in
// shared-store records and wire payloads.
func CoerceBool(v string) bool {
	return v == "true" || v == "1"
}

// FallbackName derives a display name from a participant id when no real
// name is known anywhere: "Player " plus the last four characters.
func FallbackName(participantID string) string {
	if len(participantID) > 4 {
		return "Player " + participantID[len(participantID)-4:]
	}
	return "Player " + participantID
}
