// Package engine implements the matchmaking lifecycle: it enqueues
// searching participants, pairs them under a per-round distributed lock,
// falls back to a simulated opponent when no human turns up, and keeps the
// participant registry and the durable mirror in sync. One Engine runs per
// server instance; the shared store makes concurrent instances safe.
package engine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/tourneylab/matchmaking/internal/ai"
	"github.com/tourneylab/matchmaking/internal/analytics"
	"github.com/tourneylab/matchmaking/internal/config"
	"github.com/tourneylab/matchmaking/internal/lock"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/metrics"
	"github.com/tourneylab/matchmaking/internal/persistence"
	"github.com/tourneylab/matchmaking/internal/protocol"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/registry"
)

const (
	// lockTTL bounds how long a crashed pair attempt can block a round.
	lockTTL = 5 * time.Second

	// staleSearchAge is how old an active search may get before the
	// cleanup loop purges it as abandoned.
	staleSearchAge = 10 * time.Minute

	// cleanupInterval is the cadence of the background sweep.
	cleanupInterval = 5 * time.Minute

	// recentEntryAge decides whether a queue entry still represents a
	// live candidate for the early-fallback check.
	recentEntryAge = 5 * time.Minute
)

// Start statuses reported to the caller.
const (
	StartStatusSearching        = "searching"
	StartStatusAlreadySearching = "already_searching"
	StartStatusMatchFound       = "match_found"
)

// MatchNotifier receives every match the engine creates, exactly once per
// match. The dispatcher implements it and fans the match out to both
// participants, locally and over the message bus.
type MatchNotifier interface {
	MatchFound(m *match.Match)
}

// Sink is the slice of the persistence layer the engine uses. A nil Sink
// disables mirroring and durable lookups.
type Sink interface {
	CreateTournamentMatch(ctx context.Context, rec persistence.MatchRecord) error
	GetActiveMatchForParticipant(ctx context.Context, participantID string, round int) (*persistence.MatchRecord, error)
	GetParticipant(ctx context.Context, id string) (*persistence.Participant, error)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Queues    *queue.Service
	Locks     *lock.Service
	Registry  *registry.Registry
	Matches   *match.Store
	Simulator *ai.Simulator
	Sink      Sink               // optional
	Events    analytics.Emitter  // optional
	Notifier  MatchNotifier
}

// search is the in-memory record of one participant's active search.
// attempts is only touched by the search's own goroutine.
type search struct {
	participantID string
	name          string
	round         int
	skill         float64
	group         string
	startedAt     time.Time
	attempts      int

	ctx      context.Context
	cancel   context.CancelFunc
	fallback *time.Timer
}

// Engine runs matchmaking for one server instance.
type Engine struct {
	cfg config.Matchmaking

	queues    *queue.Service
	locks     *lock.Service
	registry  *registry.Registry
	matches   *match.Store
	simulator *ai.Simulator
	sink      Sink
	events    analytics.Emitter
	notifier  MatchNotifier

	mu       sync.Mutex
	searches map[string]*search

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine and starts its background cleanup loop.
func New(cfg config.Matchmaking, d Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		queues:    d.Queues,
		locks:     d.Locks,
		registry:  d.Registry,
		matches:   d.Matches,
		simulator: d.Simulator,
		sink:      d.Sink,
		events:    d.Events,
		notifier:  d.Notifier,
		searches:  make(map[string]*search),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.wg.Add(1)
	go e.cleanupLoop()
	return e
}

// StartResult reports the outcome of a start-matchmaking request. Match is
// set only for StartStatusMatchFound; delivery to participants still goes
// through the MatchNotifier.
type StartResult struct {
	Status        string
	Match         *match.Match
	QueuePosition int
	EstimatedWait time.Duration
}

// StartMatchmaking begins a search for the validated request. The call is
// idempotent per participant: a second start while a search is active
// reports already_searching without touching the queue. When a candidate
// is already waiting the pair is made immediately; otherwise a background
// scan runs until a human appears or the fallback deadline passes.
func (e *Engine) StartMatchmaking(ctx context.Context, req protocol.StartRequest) (*StartResult, error) {
	e.mu.Lock()
	if _, active := e.searches[req.ParticipantID]; active {
		e.mu.Unlock()
		log.Printf("[engine] %s already searching, ignoring duplicate start", req.ParticipantID)
		return &StartResult{Status: StartStatusAlreadySearching}, nil
	}
	sctx, cancel := context.WithCancel(e.ctx)
	s := &search{
		participantID: req.ParticipantID,
		name:          req.ParticipantName,
		round:         req.RoundNumber,
		skill:         req.SkillLevel,
		group:         req.TreatmentGroup,
		startedAt:     time.Now(),
		ctx:           sctx,
		cancel:        cancel,
	}
	e.searches[req.ParticipantID] = s
	e.mu.Unlock()
	metrics.ActiveSearches.Inc()

	if err := e.registry.SetSearching(ctx, s.participantID, s.round, s.skill, s.group, s.name); err != nil {
		return e.degradeToAI(ctx, s, err)
	}

	// A stale entry from an earlier search must not double the participant.
	if err := e.queues.Remove(ctx, s.round, s.participantID); err != nil {
		log.Printf("[engine] pre-enqueue cleanup for %s: %v", s.participantID, err)
	}

	err := e.queues.Add(ctx, queue.Entry{
		ParticipantID:   s.participantID,
		ParticipantName: s.name,
		RoundNumber:     s.round,
		SkillLevel:      s.skill,
		TreatmentGroup:  s.group,
	})
	switch {
	case errors.Is(err, queue.ErrAlreadyMatched):
		// A concurrent pair already claimed this participant.
		e.popSearch(s)
		status, _ := e.registry.Status(ctx, s.participantID)
		return &StartResult{Status: status}, nil
	case errors.Is(err, queue.ErrQueueFull):
		e.popSearch(s)
		e.registry.SetStatus(ctx, s.participantID, registry.StatusCancelled)
		return nil, err
	case err != nil:
		return e.degradeToAI(ctx, s, err)
	}

	e.registry.IncrStat(ctx, registry.StatQueueJoins)
	e.emit(analytics.Event{
		EventType:     analytics.EventQueueJoin,
		ParticipantID: s.participantID,
		RoundNumber:   s.round,
	})
	if n, err := e.queues.Size(ctx, s.round); err == nil {
		metrics.QueueSize.WithLabelValues(strconv.Itoa(s.round)).Set(float64(n))
	}

	m, err := e.findImmediateMatch(ctx, s)
	if err != nil {
		// The continuous scan retries; an error here is not fatal.
		log.Printf("[engine] immediate pair attempt for %s: %v", s.participantID, err)
	}
	if m != nil {
		e.finishFound(s, m)
		return &StartResult{Status: StartStatusMatchFound, Match: m}, nil
	}

	s.fallback = time.AfterFunc(e.cfg.HumanSearchTimeout, func() { e.fallbackToAI(s) })
	e.wg.Add(1)
	go e.continuousSearch(s)

	pos, err := e.queues.Position(ctx, s.round, s.participantID)
	if err != nil || pos < 1 {
		pos = 1
	}
	log.Printf("[engine] %s searching in round %d (skill %.1f, position %d)",
		s.participantID, s.round, s.skill, pos)
	return &StartResult{
		Status:        StartStatusSearching,
		QueuePosition: pos,
		EstimatedWait: estimateWait(pos, e.cfg.HumanSearchTimeout),
	}, nil
}

// CancelMatchmaking stops a participant's search and dequeues them. round
// may be 0 when the caller does not know it (the disconnect path); the
// active-search record supplies it then. Cancelling a participant who is
// not searching is a no-op success.
func (e *Engine) CancelMatchmaking(ctx context.Context, participantID string, round int) error {
	s := e.popSearchID(participantID)
	if s != nil && round == 0 {
		round = s.round
	}

	if round > 0 {
		if err := e.queues.Remove(ctx, round, participantID); err != nil {
			log.Printf("[engine] cancel dequeue %s round %d: %v", participantID, round, err)
		}
	}
	if s == nil && round == 0 {
		return nil
	}

	if err := e.registry.SetStatus(ctx, participantID, registry.StatusCancelled); err != nil {
		return err
	}
	e.emit(analytics.Event{
		EventType:     analytics.EventMatchmakingCancelled,
		ParticipantID: participantID,
		RoundNumber:   round,
	})
	log.Printf("[engine] %s cancelled matchmaking (round %d)", participantID, round)
	return nil
}

// Searching reports whether the participant has an active search on this
// instance.
func (e *Engine) Searching(participantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.searches[participantID]
	return ok
}

// Close stops the cleanup loop and every active search, then waits for the
// background goroutines to drain.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	for id, s := range e.searches {
		s.cancel()
		if s.fallback != nil {
			s.fallback.Stop()
		}
		delete(e.searches, id)
		metrics.ActiveSearches.Dec()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// degradeToAI is the unrecoverable-error path during start: the
// participant still gets an opponent immediately rather than an error and
// a retry loop on the client.
func (e *Engine) degradeToAI(ctx context.Context, s *search, cause error) (*StartResult, error) {
	log.Printf("[engine] start for %s failed (%v), degrading to AI match", s.participantID, cause)
	m := e.createAIMatch(ctx, s)
	e.popSearch(s)
	metrics.SearchDuration.Observe(time.Since(s.startedAt).Seconds())
	e.notify(m)
	return &StartResult{Status: StartStatusMatchFound, Match: m}, nil
}

// finishFound tears down the search bookkeeping for a successful pair and
// hands the match to the notifier.
func (e *Engine) finishFound(s *search, m *match.Match) {
	e.popSearch(s)
	metrics.SearchDuration.Observe(time.Since(s.startedAt).Seconds())
	e.notify(m)
}

// popSearch removes s if it is still the registered search for its
// participant. Returns whether it was.
func (e *Engine) popSearch(s *search) bool {
	e.mu.Lock()
	cur, ok := e.searches[s.participantID]
	if !ok || cur != s {
		e.mu.Unlock()
		return false
	}
	delete(e.searches, s.participantID)
	e.mu.Unlock()

	s.cancel()
	if s.fallback != nil {
		s.fallback.Stop()
	}
	metrics.ActiveSearches.Dec()
	return true
}

// popSearchID removes and returns the participant's active search, or nil.
func (e *Engine) popSearchID(participantID string) *search {
	e.mu.Lock()
	s, ok := e.searches[participantID]
	if ok {
		delete(e.searches, participantID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	s.cancel()
	if s.fallback != nil {
		s.fallback.Stop()
	}
	metrics.ActiveSearches.Dec()
	return s
}

func (e *Engine) notify(m *match.Match) {
	if e.notifier != nil && m != nil {
		e.notifier.MatchFound(m)
	}
}

func (e *Engine) emit(event analytics.Event) {
	if e.events != nil {
		e.events.Emit(event)
	}
}

// estimateWait gives the client a rough wait figure from its queue
// position, capped at the fallback deadline (the true worst case).
func estimateWait(position int, timeout time.Duration) time.Duration {
	est := time.Duration(position) * 10 * time.Second
	if est > timeout {
		est = timeout
	}
	return est
}
