// Package ai simulates tournament opponents for participants no human
// could be found for. Opponents come from a static roster and answer
// questions with an accuracy and latency model parameterized by
// personality and response-speed class. The contract is deterministic
// (same personality tables, same formula) while individual responses are
// stochastic.
package ai

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// profile describes how a personality shapes the accuracy curve.
type profile struct {
	baseAccuracy float64
	variance     float64
	slowStart    bool // weaker on questions 1-3
	improves     bool // bonus after question 5
	adapts       bool // bonus when the human got the previous question right
}

var profiles = map[string]profile{
	PersonalityCompetitive:   {baseAccuracy: 0.85, variance: 0.10, improves: true, adapts: true},
	PersonalityCollaborative: {baseAccuracy: 0.80, variance: 0.08},
	PersonalityAnalytical:    {baseAccuracy: 0.88, variance: 0.05, slowStart: true, improves: true, adapts: true},
}

// speedRange is the response-time envelope for a speed class, in ms.
type speedRange struct {
	min int
	max int
}

var speedRanges = map[string]speedRange{
	SpeedFast:   {min: 800, max: 2000},
	SpeedMedium: {min: 2000, max: 4000},
	SpeedSlow:   {min: 4000, max: 7000},
}

// Settings is the per-match AI configuration, serialized into the match
// record so response simulation can be replayed by any server instance.
type Settings struct {
	OpponentID    string  `json:"opponentId"`
	DisplayName   string  `json:"displayName"`
	SkillLevel    float64 `json:"skillLevel"` // effective skill, base ± 0.3
	Personality   string  `json:"personality"`
	ResponseClass string  `json:"responseClass"`
}

// Response is the outcome of one simulated question.
type Response struct {
	IsCorrect      bool    `json:"isCorrect"`
	ResponseTimeMs int     `json:"responseTimeMs"`
	Accuracy       float64 `json:"accuracy"`
	QuestionNumber int     `json:"questionNumber"`
	Difficulty     int     `json:"difficulty"`
}

// Simulator selects opponents and simulates their responses. It is safe
// for concurrent use.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a Simulator seeded from the clock.
func NewSimulator() *Simulator {
	return NewSimulatorWithSeed(time.Now().UnixNano())
}

// NewSimulatorWithSeed creates a Simulator with a fixed seed, for tests.
func NewSimulatorWithSeed(seed int64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

// SelectOpponent picks a roster opponent for a participant of the given
// skill: the earliest roster entry within ±threshold, else the entry with
// the smallest skill distance (ties broken by roster order). The returned
// settings carry an effective skill randomized to base ± 0.3.
func (s *Simulator) SelectOpponent(skill, threshold float64) (Opponent, Settings) {
	chosen := Roster[0]
	best := math.Abs(Roster[0].BaseSkill - skill)

	for _, op := range Roster {
		d := math.Abs(op.BaseSkill - skill)
		if d <= threshold {
			// Earliest roster entry inside the window wins.
			chosen = op
			break
		}
		if d < best {
			chosen = op
			best = d
		}
	}

	s.mu.Lock()
	jitter := (s.rng.Float64() - 0.5) * 0.6 // ± 0.3
	s.mu.Unlock()

	settings := Settings{
		OpponentID:    chosen.ID,
		DisplayName:   chosen.DisplayName,
		SkillLevel:    chosen.BaseSkill + jitter,
		Personality:   chosen.Personality,
		ResponseClass: chosen.ResponseClass,
	}
	return chosen, settings
}

// SimulateResponse produces one question outcome for the configured
// opponent. questionNumber is 1-based; difficulty is on the 1-10 scale;
// opponentCorrect reports whether the human answered the previous
// question correctly (adaptive personalities react to it).
func (s *Simulator) SimulateResponse(settings Settings, questionNumber, difficulty int, opponentCorrect bool) Response {
	p, ok := profiles[settings.Personality]
	if !ok {
		p = profiles[PersonalityCollaborative]
	}
	sr, ok := speedRanges[settings.ResponseClass]
	if !ok {
		sr = speedRanges[SpeedMedium]
	}

	acc := p.baseAccuracy - float64(difficulty-5)*0.02
	if p.adapts && opponentCorrect {
		acc += 0.05
	}
	if p.slowStart && questionNumber <= 3 {
		acc -= 0.10
	}
	if p.improves && questionNumber > 5 {
		acc += 0.05
	}

	s.mu.Lock()
	acc += (s.rng.Float64() - 0.5) * p.variance
	acc = clamp01(acc)
	correct := s.rng.Float64() < acc

	ms := float64(sr.min) + s.rng.Float64()*float64(sr.max-sr.min)
	s.mu.Unlock()

	if settings.Personality == PersonalityCompetitive {
		if questionNumber > 5 {
			ms *= 0.8
		}
		if difficulty < 5 {
			ms *= 0.7
		}
	}

	return Response{
		IsCorrect:      correct,
		ResponseTimeMs: int(math.Round(ms)),
		Accuracy:       acc,
		QuestionNumber: questionNumber,
		Difficulty:     difficulty,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
