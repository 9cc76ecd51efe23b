// Package dispatch is the application layer of the push channel. It owns
// the participant session table, routes client messages into the
// matchmaking engine, materializes per-peer match_found views, and bridges
// match delivery across server instances over NATS.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tourneylab/matchmaking/internal/analytics"
	"github.com/tourneylab/matchmaking/internal/config"
	"github.com/tourneylab/matchmaking/internal/engine"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/protocol"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/ratelimit"
	"github.com/tourneylab/matchmaking/internal/registry"
	"github.com/tourneylab/matchmaking/internal/ws"
)

// opTimeout bounds the store work done for one client message.
const opTimeout = 5 * time.Second

// PushServer is the transport the dispatcher delivers through. *ws.Server
// implements it; tests substitute a capture fake.
type PushServer interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
	ConnectionCount() int
}

// Bus is the optional cross-instance delivery fabric. *messaging.NATSClient
// implements it; a nil Bus keeps everything instance-local.
type Bus interface {
	PublishMatchFound(participantID string, data []byte) error
	SubscribeMatchFound(participantID string, handler func(data []byte)) error
	UnsubscribeMatchFound(participantID string) error
	PublishMatchUpdate(matchID string, data []byte) error
	SubscribeMatchUpdate(matchID, participantID string, handler func(data []byte)) error
	UnsubscribeMatchUpdate(matchID, participantID string) error
}

// Dispatcher connects push sessions to the matchmaking engine.
type Dispatcher struct {
	cfg      config.Dispatch
	push     PushServer
	engine   *engine.Engine
	queues   *queue.Service
	registry *registry.Registry
	matches  *match.Store
	limiter  *ratelimit.Limiter // optional
	bus      Bus                // optional
	events   analytics.Emitter  // optional

	searchTimeout time.Duration // reported to clients in matchmaking_started

	sessions *sessionTable
	done     chan struct{}
}

// Deps bundles the dispatcher's collaborators. Engine is attached later
// with SetEngine, since the engine needs the dispatcher as its notifier.
type Deps struct {
	Push     PushServer
	Queues   *queue.Service
	Registry *registry.Registry
	Matches  *match.Store
	Limiter  *ratelimit.Limiter
	Bus      Bus
	Events   analytics.Emitter
}

// New creates a Dispatcher. searchTimeout is the engine's human-search
// deadline, echoed to clients so their UI can count down.
func New(cfg config.Dispatch, searchTimeout time.Duration, d Deps) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		push:          d.Push,
		queues:        d.Queues,
		registry:      d.Registry,
		matches:       d.Matches,
		limiter:       d.Limiter,
		bus:           d.Bus,
		events:        d.Events,
		searchTimeout: searchTimeout,
		sessions:      newSessionTable(),
		done:          make(chan struct{}),
	}
}

// SetEngine attaches the engine. Must be called before any message is
// dispatched.
func (d *Dispatcher) SetEngine(e *engine.Engine) {
	d.engine = e
}

// RegisterHandlers wires the client message types into the router.
func (d *Dispatcher) RegisterHandlers(router *ws.MessageDispatcher) {
	router.Register(protocol.TypeRegister, d.handleRegister)
	router.Register(protocol.TypeStartMatchmaking, d.handleStartMatchmaking)
	router.Register(protocol.TypeCancelMatchmaking, d.handleCancelMatchmaking)
	router.Register(protocol.TypeGetQueueStatus, d.handleGetQueueStatus)
	router.Register(protocol.TypeMatchUpdate, d.handleMatchUpdate)
	router.Register(protocol.TypeUpdateStatus, d.handleUpdateStatus)
}

// Run starts the heartbeat loop: an application-level heartbeat broadcast
// with the connected count, plus a sweep that reaps sessions whose
// connection has silently vanished. Blocks until Close.
func (d *Dispatcher) Run() {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.broadcastHeartbeat()
			d.sweepSessions()
		}
	}
}

// Close stops the heartbeat loop.
func (d *Dispatcher) Close() {
	close(d.done)
}

func (d *Dispatcher) broadcastHeartbeat() {
	data, err := protocol.NewServerMessage(protocol.TypeHeartbeat, protocol.HeartbeatMsg{
		ConnectedCount: d.push.ConnectionCount(),
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[dispatch] build heartbeat: %v", err)
		return
	}
	d.push.Broadcast(data)
}

// sweepSessions reaps sessions that outlived their connection. The ws
// layer normally reports disconnects through OnDisconnect; this is the
// safety net for bindings that slipped past it.
func (d *Dispatcher) sweepSessions() {
	cutoff := time.Now().Add(-d.cfg.ConnectionTimeout)

	for _, s := range d.sessions.all() {
		if !s.RegisteredAt.Before(cutoff) {
			continue
		}
		if err := d.push.SendMessage(s.ConnID, []byte(`{"type":"heartbeat"}`)); err == nil {
			continue
		}

		log.Printf("[dispatch] reaping session for %s: connection %s is gone",
			s.ParticipantID, s.ConnID)
		d.sessions.removeByConn(s.ConnID)

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := d.engine.CancelMatchmaking(ctx, s.ParticipantID, 0); err != nil {
			log.Printf("[dispatch] reap cancel %s: %v", s.ParticipantID, err)
		}
		if err := d.registry.SetStatus(ctx, s.ParticipantID, registry.StatusTimeout); err != nil {
			log.Printf("[dispatch] reap status %s: %v", s.ParticipantID, err)
		}
		cancel()
		d.unsubscribeParticipant(s)
	}
}

// OnDisconnect is the ws server's disconnect callback: unbind the session,
// cancel any search, and mark the participant disconnected.
func (d *Dispatcher) OnDisconnect(connID string) {
	s := d.sessions.removeByConn(connID)
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := d.engine.CancelMatchmaking(ctx, s.ParticipantID, 0); err != nil {
		log.Printf("[dispatch] disconnect cancel %s: %v", s.ParticipantID, err)
	}
	if err := d.registry.SetStatus(ctx, s.ParticipantID, registry.StatusDisconnected); err != nil {
		log.Printf("[dispatch] disconnect status %s: %v", s.ParticipantID, err)
	}
	d.unsubscribeParticipant(s)

	if d.events != nil {
		d.events.Emit(analytics.Event{
			EventType:     analytics.EventParticipantDropped,
			ParticipantID: s.ParticipantID,
			RoundNumber:   s.Round,
		})
	}
	log.Printf("[dispatch] %s disconnected (conn %s)", s.ParticipantID, connID)
}

// MatchFound implements engine.MatchNotifier. With a bus, the match is
// published per participant and delivered by whichever instance holds the
// session; without one, delivery is direct.
func (d *Dispatcher) MatchFound(m *match.Match) {
	raw, err := json.Marshal(m)
	if err != nil {
		log.Printf("[dispatch] marshal match %s: %v", m.ID, err)
		return
	}

	for _, pid := range matchParticipants(m) {
		if d.bus != nil {
			if err := d.bus.PublishMatchFound(pid, raw); err != nil {
				log.Printf("[dispatch] publish match %s for %s: %v (delivering locally)",
					m.ID, pid, err)
				d.deliverMatch(pid, m)
			}
			continue
		}
		d.deliverMatch(pid, m)
	}
}

// deliverMatch pushes the per-peer match_found view to a locally
// registered participant. A missing session is not an error: the
// participant may be registered on another instance, or will pick the
// match up on re-registration.
func (d *Dispatcher) deliverMatch(participantID string, m *match.Match) {
	s := d.sessions.byParticipantID(participantID)
	if s == nil {
		return
	}

	view := d.matchView(participantID, s, m)
	data, err := protocol.NewServerMessage(protocol.TypeMatchFound, view)
	if err != nil {
		log.Printf("[dispatch] build match_found for %s: %v", participantID, err)
		return
	}
	if err := d.push.SendMessage(s.ConnID, data); err != nil {
		log.Printf("[dispatch] push match_found to %s: %v", participantID, err)
		return
	}

	// Live-human peers exchange in-match updates over the match subject.
	// The session remembers the subscription so it can be dropped on
	// unbind or when a later match replaces it.
	if d.bus != nil && !m.IsAI {
		if err := d.bus.SubscribeMatchUpdate(m.ID, participantID, func(data []byte) {
			d.forwardMatchUpdate(participantID, data)
		}); err != nil {
			log.Printf("[dispatch] subscribe updates %s/%s: %v", m.ID, participantID, err)
		} else if prev := d.sessions.setMatch(participantID, m.ID); prev != "" && prev != m.ID {
			_ = d.bus.UnsubscribeMatchUpdate(prev, participantID)
		}
	}

	log.Printf("[dispatch] delivered match %s to %s (%s)", m.ID, participantID, view.MyRole)
}

// matchView materializes one participant's view of a match: their role
// and their opponent's descriptor. The stored descriptor already faces
// participant1; participant2's view is rebuilt from the record.
func (d *Dispatcher) matchView(participantID string, s *session, m *match.Match) protocol.MatchFoundMsg {
	view := protocol.MatchFoundMsg{
		ID:             m.ID,
		Participant1ID: m.Participant1ID,
		Participant2ID: m.Participant2ID,
		RoundNumber:    m.RoundNumber,
		MatchType:      m.MatchType,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		IsAI:           m.IsAI,
		Opponent:       m.Opponent,
		MyRole:         "participant1",
		Timestamp:      time.Now().UnixMilli(),
		AISettings:     m.AISettings,
	}

	if participantID == m.Participant2ID {
		view.MyRole = "participant2"
		// Name chain: record, then the peer's registered session, then the
		// id-derived placeholder.
		name := m.Participant1Name
		if name == "" {
			if ps := d.sessions.byParticipantID(m.Participant1ID); ps != nil {
				name = ps.Name
			}
		}
		if name == "" {
			name = match.FallbackName(m.Participant1ID)
		}
		view.Opponent = match.EncodeOpponent(match.Opponent{
			ParticipantID: m.Participant1ID,
			DisplayName:   name,
		})
		// AI settings describe participant2's opponent only; a human peer
		// has no business seeing them (and AI matches have no peer).
		view.AISettings = ""
	}
	return view
}

// forwardMatchUpdate relays a bus-delivered match update to the local
// session of the subscribed participant.
func (d *Dispatcher) forwardMatchUpdate(participantID string, data []byte) {
	s := d.sessions.byParticipantID(participantID)
	if s == nil {
		return
	}
	if err := d.push.SendMessage(s.ConnID, data); err != nil {
		log.Printf("[dispatch] forward update to %s: %v", participantID, err)
	}
}

// deliverBusMatch handles a match.found.<participant> bus message: decode
// the record and deliver it to that participant only. The subject is
// per-participant, so the peer's copy arrives on the peer's subject.
func (d *Dispatcher) deliverBusMatch(participantID string, data []byte) {
	var m match.Match
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[dispatch] decode bus match for %s: %v", participantID, err)
		return
	}
	d.deliverMatch(participantID, &m)
}

// unsubscribeParticipant drops an unbound session's bus subscriptions:
// the match.found subject and, when a live match was delivered, its
// match.update subject. Unsubscribing something that was never subscribed
// is fine.
func (d *Dispatcher) unsubscribeParticipant(s *session) {
	if d.bus == nil {
		return
	}
	_ = d.bus.UnsubscribeMatchFound(s.ParticipantID)
	if s.MatchID != "" {
		_ = d.bus.UnsubscribeMatchUpdate(s.MatchID, s.ParticipantID)
	}
}

// matchParticipants lists the human participants of a match.
func matchParticipants(m *match.Match) []string {
	ids := []string{m.Participant1ID}
	if m.Participant2ID != "" {
		ids = append(ids, m.Participant2ID)
	}
	return ids
}
