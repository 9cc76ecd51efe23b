package engine

import (
	"testing"

	"github.com/tourneylab/matchmaking/internal/queue"
)

func entry(id string, skill float64, joinedAt int64) queue.Entry {
	return queue.Entry{ParticipantID: id, SkillLevel: skill, JoinedAt: joinedAt}
}

func TestSelectCandidateEmptyQueue(t *testing.T) {
	if got := SelectCandidate(5.0, 1.5, nil); got != nil {
		t.Fatalf("empty queue should select nobody, got %s", got.ParticipantID)
	}
}

func TestSelectCandidatePrefersFIFOWithinWindow(t *testing.T) {
	candidates := []queue.Entry{
		entry("first", 4.0, 100),
		entry("closer", 5.0, 200),
	}

	got := SelectCandidate(5.0, 1.5, candidates)
	if got == nil || got.ParticipantID != "first" {
		t.Fatalf("want FIFO-earliest in-window candidate \"first\", got %+v", got)
	}
}

func TestSelectCandidateExactThresholdMatches(t *testing.T) {
	candidates := []queue.Entry{entry("edge", 6.5, 100)}

	got := SelectCandidate(5.0, 1.5, candidates)
	if got == nil || got.ParticipantID != "edge" {
		t.Fatalf("distance exactly at threshold should match, got %+v", got)
	}
}

func TestSelectCandidateNearestFallback(t *testing.T) {
	// Nobody inside ±1.5, but 7.5 is within the 2× degradation band.
	candidates := []queue.Entry{
		entry("far", 9.0, 100),
		entry("near", 7.5, 200),
	}

	got := SelectCandidate(5.0, 1.5, candidates)
	if got == nil || got.ParticipantID != "near" {
		t.Fatalf("want nearest candidate \"near\", got %+v", got)
	}
}

func TestSelectCandidateNearestFallbackTiesBreakFIFO(t *testing.T) {
	candidates := []queue.Entry{
		entry("earlier", 7.5, 100),
		entry("later", 2.5, 200),
	}

	got := SelectCandidate(5.0, 1.5, candidates)
	if got == nil || got.ParticipantID != "earlier" {
		t.Fatalf("equal distances should break FIFO, got %+v", got)
	}
}

func TestSelectCandidateRejectsBeyondDegradationBand(t *testing.T) {
	// Distance 6 with threshold 1.5: outside both the window and the 2×
	// band, so the searcher is left to the AI fallback.
	candidates := []queue.Entry{entry("mismatch", 9.0, 100)}

	if got := SelectCandidate(3.0, 1.5, candidates); got != nil {
		t.Fatalf("grossly mismatched candidate should be rejected, got %s", got.ParticipantID)
	}
}

func TestSelectCandidateDeterministic(t *testing.T) {
	candidates := []queue.Entry{
		entry("a", 4.2, 100),
		entry("b", 5.8, 200),
		entry("c", 5.0, 300),
	}

	first := SelectCandidate(5.0, 1.5, candidates)
	for i := 0; i < 10; i++ {
		if got := SelectCandidate(5.0, 1.5, candidates); got.ParticipantID != first.ParticipantID {
			t.Fatalf("selection changed between runs: %s then %s", first.ParticipantID, got.ParticipantID)
		}
	}
}
