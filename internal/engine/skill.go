package engine

import (
	"math"

	"github.com/tourneylab/matchmaking/internal/queue"
)

// SelectCandidate picks an opponent for a participant of the given skill
// from candidates in FIFO order:
//
//  1. The FIFO-earliest candidate within ±threshold wins ("strong skill
//     match when available", FIFO among equally eligible).
//  2. Otherwise the candidate minimizing the skill distance wins, but only
//     when that distance is at most 2×threshold (graceful degradation;
//     ties break FIFO-earliest).
//  3. Otherwise nil: the queue holds nobody playable and the searcher is
//     left to the AI fallback.
//
// The function is deterministic given its inputs.
func SelectCandidate(skill, threshold float64, candidates []queue.Entry) *queue.Entry {
	var nearest *queue.Entry
	best := math.Inf(1)

	for i := range candidates {
		d := math.Abs(candidates[i].SkillLevel - skill)
		if d <= threshold {
			return &candidates[i]
		}
		if d < best {
			best = d
			nearest = &candidates[i]
		}
	}

	if nearest != nil && best <= 2*threshold {
		return nearest
	}
	return nil
}
