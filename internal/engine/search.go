package engine

import (
	"context"
	"log"
	"time"

	"github.com/tourneylab/matchmaking/internal/metrics"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/registry"
)

// continuousSearch retries pairing for s every SearchInterval until a
// match lands, the search is cancelled, or the early-fallback condition
// holds. The fallback timer is the hard deadline; this loop may beat it.
func (e *Engine) continuousSearch(s *search) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.attempts++
		ctx, cancel := context.WithTimeout(s.ctx, e.cfg.SearchInterval)
		done := e.searchTick(ctx, s)
		cancel()
		if done {
			return
		}
	}
}

// searchTick runs one scan attempt. Returns true when the search is over,
// for any reason.
func (e *Engine) searchTick(ctx context.Context, s *search) bool {
	// Someone else may have resolved this search: a pair on another
	// instance, a cancel, a disconnect sweep.
	status, err := e.registry.Status(ctx, s.participantID)
	if err != nil {
		log.Printf("[engine] status check for %s: %v", s.participantID, err)
	} else {
		switch status {
		case registry.StatusMatched:
			e.popSearch(s)
			return true
		case registry.StatusCancelled, registry.StatusDisconnected, registry.StatusTimeout:
			e.popSearch(s)
			if err := e.queues.Remove(ctx, s.round, s.participantID); err != nil {
				log.Printf("[engine] dequeue %s after %s: %v", s.participantID, status, err)
			}
			return true
		}
	}

	// A match mirrored by another instance counts even when the status
	// write raced or was lost.
	if e.sink != nil {
		if rec, err := e.sink.GetActiveMatchForParticipant(ctx, s.participantID, s.round); err == nil && rec != nil {
			log.Printf("[engine] found mirrored match %s for %s, adopting", rec.ID, s.participantID)
			if err := e.registry.SetMatched(ctx, s.participantID, rec.ID); err != nil {
				log.Printf("[engine] mark %s matched: %v", s.participantID, err)
			}
			e.popSearch(s)
			return true
		}
	}

	m, err := e.findImmediateMatch(ctx, s)
	if err != nil {
		log.Printf("[engine] scan attempt %d for %s: %v", s.attempts, s.participantID, err)
		return false
	}
	if m != nil {
		e.finishFound(s, m)
		return true
	}

	// A quiet round: enough attempts and nobody else fresh in the queue
	// means no human is coming, so stop burning the participant's time.
	if s.attempts >= e.cfg.MinSearchAttempts {
		entries, err := e.queues.Entries(ctx, s.round, s.participantID)
		if err == nil && !hasRecentEntry(entries, time.Now()) {
			log.Printf("[engine] round %d quiet after %d attempts, early AI fallback for %s",
				s.round, s.attempts, s.participantID)
			m := e.createAIMatch(ctx, s)
			e.finishFound(s, m)
			return true
		}
	}
	return false
}

// hasRecentEntry reports whether any queue entry joined within the
// recent-entry window.
func hasRecentEntry(entries []queue.Entry, now time.Time) bool {
	cutoff := now.Add(-recentEntryAge).UnixMilli()
	for _, entry := range entries {
		if entry.JoinedAt >= cutoff {
			return true
		}
	}
	return false
}

// fallbackToAI fires at the search deadline: no human turned up in time,
// so the participant gets a simulated opponent.
func (e *Engine) fallbackToAI(s *search) {
	if !e.popSearch(s) {
		// Already resolved by a pair, a cancel, or shutdown.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// The pairing path may have claimed the participant between the timer
	// firing and the pop.
	if status, err := e.registry.Status(ctx, s.participantID); err == nil && status == registry.StatusMatched {
		return
	}

	log.Printf("[engine] no human for %s in round %d after %s, falling back to AI",
		s.participantID, s.round, time.Since(s.startedAt).Round(time.Second))
	m := e.createAIMatch(ctx, s)
	metrics.SearchDuration.Observe(time.Since(s.startedAt).Seconds())
	e.notify(m)
}

// cleanupLoop periodically purges searches that outlived any plausible
// client and garbage collects stale queue entries.
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
		e.cleanupPass(ctx)
		cancel()
	}
}

func (e *Engine) cleanupPass(ctx context.Context) {
	cutoff := time.Now().Add(-staleSearchAge)

	e.mu.Lock()
	var stale []*search
	for _, s := range e.searches {
		if s.startedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	e.mu.Unlock()

	for _, s := range stale {
		if !e.popSearch(s) {
			continue
		}
		log.Printf("[engine] purging stale search for %s (round %d, started %s ago)",
			s.participantID, s.round, time.Since(s.startedAt).Round(time.Second))
		if err := e.queues.Remove(ctx, s.round, s.participantID); err != nil {
			log.Printf("[engine] purge dequeue %s: %v", s.participantID, err)
		}
		if err := e.registry.SetStatus(ctx, s.participantID, registry.StatusTimeout); err != nil {
			log.Printf("[engine] purge status %s: %v", s.participantID, err)
		}
	}

	removed, err := e.queues.CleanupExpired(ctx)
	if err != nil {
		log.Printf("[engine] queue cleanup: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[engine] queue cleanup removed %d expired entries", removed)
	}
}
