// Package persistence mirrors live match state to Postgres and serves the
// participant lookups the engine needs (display names, skill stats). The
// shared store remains authoritative for live matches: every write here is
// best-effort from the engine's point of view and must never fail a
// user-facing pairing operation.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// MatchRecord is the durable form of a live match.
type MatchRecord struct {
	ID             string
	Participant1ID string
	Participant2ID string // empty for AI matches
	RoundNumber    int
	MatchType      string
	Status         string
	IsAI           bool
	Opponent       string // JSON text
	AISettings     string // JSON text, AI matches only
	CreatedAt      time.Time
}

// Participant is a registered experiment participant.
type Participant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ParticipantStats aggregates a participant's recent performance; the
// engine derives skill levels from it.
type ParticipantStats struct {
	ParticipantID  string
	TotalMatches   int
	TotalAnswers   int
	CorrectAnswers int
	SkillLevel     float64
}

// MatchResult is one participant's outcome in a finished match.
type MatchResult struct {
	MatchID        string
	ParticipantID  string
	Score          int
	CorrectAnswers int
	TotalQuestions int
}

// Sink is the Postgres-backed persistence layer.
type Sink struct {
	db *sql.DB
}

// NewSink opens a Postgres connection and verifies it with a ping.
func NewSink(databaseURL string) (*Sink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: postgres connection failed: %w", err)
	}

	return &Sink{db: db}, nil
}

// NewSinkFromDB wraps an existing connection. Used by tests.
func NewSinkFromDB(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// CreateTournamentMatch mirrors a new match. The insert is an idempotent
// upsert keyed on match id, so retries and duplicate callbacks are
// harmless. Wrapped in the retry policy: this is the critical write.
func (s *Sink) CreateTournamentMatch(ctx context.Context, rec MatchRecord) error {
	var p2 sql.NullString
	if rec.Participant2ID != "" {
		p2 = sql.NullString{String: rec.Participant2ID, Valid: true}
	}

	return withRetry(ctx, "create match "+rec.ID, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tournament_matches (
				id, participant1_id, participant2_id, round_number,
				match_type, status, is_ai, opponent, ai_settings, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				updated_at = now()
		`, rec.ID, rec.Participant1ID, p2, rec.RoundNumber,
			rec.MatchType, rec.Status, rec.IsAI, rec.Opponent,
			nullIfEmpty(rec.AISettings), rec.CreatedAt)
		return err
	})
}

// UpdateTournamentMatch mutates a mirrored match's status.
func (s *Sink) UpdateTournamentMatch(ctx context.Context, matchID, status string) error {
	return withRetry(ctx, "update match "+matchID, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tournament_matches
			SET status = $2, updated_at = now()
			WHERE id = $1
		`, matchID, status)
		return err
	})
}

// GetActiveMatchForParticipant returns the most recent active or paused
// match for (participant, round), or nil when none exists. More than one
// such match indicates an upstream race and is logged.
func (s *Sink) GetActiveMatchForParticipant(ctx context.Context, participantID string, round int) (*MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant1_id, COALESCE(participant2_id, ''), round_number,
		       match_type, status, is_ai, opponent, COALESCE(ai_settings, ''), created_at
		FROM tournament_matches
		WHERE (participant1_id = $1 OR participant2_id = $1)
		  AND round_number = $2
		  AND status IN ('active', 'paused')
		ORDER BY created_at DESC
	`, participantID, round)
	if err != nil {
		return nil, fmt.Errorf("sink: query active match: %w", err)
	}
	defer rows.Close()

	var matches []MatchRecord
	for rows.Next() {
		var m MatchRecord
		if err := rows.Scan(&m.ID, &m.Participant1ID, &m.Participant2ID, &m.RoundNumber,
			&m.MatchType, &m.Status, &m.IsAI, &m.Opponent, &m.AISettings, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sink: scan active match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sink: iterate active matches: %w", err)
	}

	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		log.Printf("[sink] participant %s has %d active matches in round %d, returning most recent",
			participantID, len(matches), round)
	}
	return &matches[0], nil
}

// GetParticipant returns a participant by id, or nil when unknown.
func (s *Sink) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM participants WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sink: get participant %s: %w", id, err)
	}
	return &p, nil
}

// GetParticipantStats returns aggregated performance for a participant.
// Unknown participants get zeroed stats with the midpoint skill.
func (s *Sink) GetParticipantStats(ctx context.Context, id string) (*ParticipantStats, error) {
	stats := &ParticipantStats{ParticipantID: id, SkillLevel: 5.0}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) AS total_matches,
		       COALESCE(SUM(total_questions), 0),
		       COALESCE(SUM(correct_answers), 0)
		FROM match_results
		WHERE participant_id = $1
	`, id).Scan(&stats.TotalMatches, &stats.TotalAnswers, &stats.CorrectAnswers)
	if err != nil {
		return nil, fmt.Errorf("sink: stats for %s: %w", id, err)
	}

	if stats.TotalAnswers > 0 {
		// Skill level maps recent accuracy onto the 1-10 scale.
		accuracy := float64(stats.CorrectAnswers) / float64(stats.TotalAnswers)
		stats.SkillLevel = 1 + accuracy*9
	}
	return stats, nil
}

// RecordActivity appends an analytics activity row. Off the pairing hot
// path, no retry.
func (s *Sink) RecordActivity(ctx context.Context, participantID, activityType, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (participant_id, activity_type, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, participantID, activityType, nullIfEmpty(payload))
	if err != nil {
		return fmt.Errorf("sink: record activity: %w", err)
	}
	return nil
}

// RecordMatchResult stores one participant's outcome for a match.
func (s *Sink) RecordMatchResult(ctx context.Context, r MatchResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_results (match_id, participant_id, score, correct_answers, total_questions, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (match_id, participant_id) DO UPDATE SET
			score = EXCLUDED.score,
			correct_answers = EXCLUDED.correct_answers,
			total_questions = EXCLUDED.total_questions
	`, r.MatchID, r.ParticipantID, r.Score, r.CorrectAnswers, r.TotalQuestions)
	if err != nil {
		return fmt.Errorf("sink: record result: %w", err)
	}
	return nil
}

// GetMatchHistory returns a participant's most recent mirrored matches.
func (s *Sink) GetMatchHistory(ctx context.Context, participantID string, limit int) ([]MatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant1_id, COALESCE(participant2_id, ''), round_number,
		       match_type, status, is_ai, opponent, COALESCE(ai_settings, ''), created_at
		FROM tournament_matches
		WHERE participant1_id = $1 OR participant2_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("sink: match history: %w", err)
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var m MatchRecord
		if err := rows.Scan(&m.ID, &m.Participant1ID, &m.Participant2ID, &m.RoundNumber,
			&m.MatchType, &m.Status, &m.IsAI, &m.Opponent, &m.AISettings, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sink: scan history: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
