package engine

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tourneylab/matchmaking/internal/analytics"
	"github.com/tourneylab/matchmaking/internal/lock"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/metrics"
	"github.com/tourneylab/matchmaking/internal/persistence"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/registry"
)

// findImmediateMatch makes one pair attempt for s under the round lock.
// Returns (nil, nil) when the lock is held elsewhere or no candidate
// qualifies; the caller just tries again on the next tick.
func (e *Engine) findImmediateMatch(ctx context.Context, s *search) (*match.Match, error) {
	token := uuid.New().String()
	key := lock.RoundKey(s.round)

	acquired, err := e.locks.Acquire(ctx, key, token, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Another instance is pairing this round right now.
		metrics.LockContention.Inc()
		return nil, nil
	}
	// Release is best effort; the TTL covers a failed release.
	defer e.locks.Release(ctx, key, token)

	entries, err := e.queues.Entries(ctx, s.round, s.participantID)
	if err != nil {
		return nil, err
	}
	candidate := SelectCandidate(s.skill, e.cfg.SkillThreshold, entries)
	if candidate == nil {
		return nil, nil
	}

	return e.createHumanMatch(ctx, s, *candidate)
}

// createHumanMatch writes a live-human match between s and the candidate
// and moves both participants out of the queue. Caller holds the round
// lock.
func (e *Engine) createHumanMatch(ctx context.Context, s *search, cand queue.Entry) (*match.Match, error) {
	if cand.ParticipantID == s.participantID {
		return nil, match.ErrSelfMatch
	}

	myName := s.name
	if myName == "" {
		myName = match.FallbackName(s.participantID)
	}
	oppName := e.resolveName(ctx, cand.ParticipantID, cand.ParticipantName)

	m := &match.Match{
		ID:               uuid.New().String(),
		Participant1ID:   s.participantID,
		Participant2ID:   cand.ParticipantID,
		Participant1Name: myName,
		Participant2Name: oppName,
		RoundNumber:      s.round,
		MatchType:        match.TypeLiveHuman,
		Status:           match.StatusActive,
		CreatedAt:        time.Now().UnixMilli(),
		Opponent: match.EncodeOpponent(match.Opponent{
			ParticipantID: cand.ParticipantID,
			DisplayName:   oppName,
			SkillLevel:    cand.SkillLevel,
		}),
	}
	if err := e.matches.Create(ctx, m); err != nil {
		return nil, err
	}

	for _, id := range []string{s.participantID, cand.ParticipantID} {
		if err := e.queues.Remove(ctx, s.round, id); err != nil {
			log.Printf("[engine] dequeue %s after pairing: %v", id, err)
		}
		if err := e.registry.SetMatched(ctx, id, m.ID); err != nil {
			log.Printf("[engine] mark %s matched: %v", id, err)
		}
	}

	// The candidate may have an active search on this instance; stop its
	// scanner and fallback timer before they fire.
	if peer := e.popSearchID(cand.ParticipantID); peer != nil {
		metrics.SearchDuration.Observe(time.Since(peer.startedAt).Seconds())
	}

	e.mirror(m)
	e.registry.IncrStat(ctx, registry.StatHumanMatches)
	metrics.MatchesTotal.WithLabelValues(match.TypeLiveHuman).Inc()
	e.emit(analytics.Event{
		EventType:     analytics.EventMatchCreated,
		ParticipantID: s.participantID,
		MatchID:       m.ID,
		RoundNumber:   s.round,
		MatchType:     match.TypeLiveHuman,
	})

	log.Printf("[engine] matched %s with %s in round %d (match %s, skill gap %.1f)",
		s.participantID, cand.ParticipantID, s.round, m.ID, math.Abs(s.skill-cand.SkillLevel))
	return m, nil
}

// createAIMatch pairs s with a simulated opponent. It never fails: if the
// record cannot be stored the participant still receives the match, since
// leaving them opponent-less mid-experiment is the one unacceptable
// outcome. The caller owns search teardown.
func (e *Engine) createAIMatch(ctx context.Context, s *search) *match.Match {
	if err := e.queues.Remove(ctx, s.round, s.participantID); err != nil {
		log.Printf("[engine] dequeue %s before AI match: %v", s.participantID, err)
	}

	opponent, settings := e.simulator.SelectOpponent(s.skill, e.cfg.SkillThreshold)
	rawSettings, _ := json.Marshal(settings)

	myName := s.name
	if myName == "" {
		myName = match.FallbackName(s.participantID)
	}

	m := &match.Match{
		ID:               uuid.New().String(),
		Participant1ID:   s.participantID,
		Participant1Name: myName,
		Participant2Name: opponent.DisplayName,
		RoundNumber:      s.round,
		MatchType:        match.TypeHumanVsAI,
		Status:           match.StatusActive,
		CreatedAt:        time.Now().UnixMilli(),
		IsAI:             true,
		Opponent: match.EncodeOpponent(match.Opponent{
			DisplayName: opponent.DisplayName,
			SkillLevel:  settings.SkillLevel,
			IsAI:        true,
		}),
		AISettings: string(rawSettings),
	}
	if err := e.matches.Create(ctx, m); err != nil {
		log.Printf("[engine] store AI match %s for %s: %v (delivering anyway)",
			m.ID, s.participantID, err)
	}

	if err := e.registry.SetMatched(ctx, s.participantID, m.ID); err != nil {
		log.Printf("[engine] mark %s matched: %v", s.participantID, err)
	}

	e.mirror(m)
	e.registry.IncrStat(ctx, registry.StatAIMatches)
	metrics.MatchesTotal.WithLabelValues(match.TypeHumanVsAI).Inc()
	e.emit(analytics.Event{
		EventType:     analytics.EventAIFallback,
		ParticipantID: s.participantID,
		MatchID:       m.ID,
		RoundNumber:   s.round,
		MatchType:     match.TypeHumanVsAI,
	})

	log.Printf("[engine] AI match %s for %s in round %d (opponent %s, skill %.1f)",
		m.ID, s.participantID, s.round, opponent.DisplayName, settings.SkillLevel)
	return m
}

// resolveName picks a display name for a matched opponent: the queue
// entry, then the durable participant row, then the id-derived fallback.
func (e *Engine) resolveName(ctx context.Context, participantID, queued string) string {
	if queued != "" {
		return queued
	}
	if e.sink != nil {
		if p, err := e.sink.GetParticipant(ctx, participantID); err == nil && p != nil && p.Name != "" {
			return p.Name
		}
	}
	return match.FallbackName(participantID)
}

// mirror pushes the match into the durable sink off the pairing path. The
// shared store stays authoritative; a failed mirror is logged, not
// surfaced.
func (e *Engine) mirror(m *match.Match) {
	if e.sink == nil {
		return
	}

	rec := persistence.MatchRecord{
		ID:             m.ID,
		Participant1ID: m.Participant1ID,
		Participant2ID: m.Participant2ID,
		RoundNumber:    m.RoundNumber,
		MatchType:      m.MatchType,
		Status:         m.Status,
		IsAI:           m.IsAI,
		Opponent:       m.Opponent,
		AISettings:     m.AISettings,
		CreatedAt:      time.UnixMilli(m.CreatedAt),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.sink.CreateTournamentMatch(ctx, rec); err != nil {
			log.Printf("[engine] mirror match %s: %v", rec.ID, err)
		}
	}()
}
