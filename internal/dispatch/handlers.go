package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/tourneylab/matchmaking/internal/engine"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/protocol"
	"github.com/tourneylab/matchmaking/internal/ratelimit"
	"github.com/tourneylab/matchmaking/internal/registry"
	"github.com/tourneylab/matchmaking/internal/ws"
)

// send encodes a server message and pushes it to the connection.
func (d *Dispatcher) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[dispatch] build %s: %v", msgType, err)
		return
	}
	if err := d.push.SendMessage(connID, data); err != nil {
		log.Printf("[dispatch] send %s to conn %s: %v", msgType, connID, err)
	}
}

func (d *Dispatcher) sendError(connID, code, message string) {
	d.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// handleRegister binds the participant to this connection and, for a
// reconnecting participant who already has a live match, re-delivers it.
func (d *Dispatcher) handleRegister(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.RegisterMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed register payload")
		return
	}
	if !protocol.ValidateUUID(msg.ParticipantID) {
		d.sendError(conn.ID, "invalid_participant", "participantId must be a UUID")
		return
	}
	group, err := protocol.ValidateTreatmentGroup(msg.TreatmentGroup)
	if err != nil {
		d.sendError(conn.ID, "invalid_group", err.Error())
		return
	}

	s := &session{
		ParticipantID: msg.ParticipantID,
		ConnID:        conn.ID,
		Name:          msg.ParticipantName,
		Round:         msg.RoundNumber,
		Group:         group,
		RegisteredAt:  time.Now(),
	}
	if replaced := d.sessions.put(s); replaced != "" {
		log.Printf("[dispatch] %s re-registered, replacing conn %s", msg.ParticipantID, replaced)
	}

	if d.bus != nil {
		pid := msg.ParticipantID
		if err := d.bus.SubscribeMatchFound(pid, func(data []byte) {
			d.deliverBusMatch(pid, data)
		}); err != nil {
			log.Printf("[dispatch] subscribe match.found for %s: %v", pid, err)
		}
	}

	d.send(conn.ID, protocol.TypeRegistrationSuccess, protocol.RegistrationSuccessMsg{
		ParticipantID: msg.ParticipantID,
		Timestamp:     time.Now().UnixMilli(),
	})
	log.Printf("[dispatch] registered %s on conn %s (sessions=%d)",
		msg.ParticipantID, conn.ID, d.sessions.count())

	// A registration that names a round gets that round's queue picture
	// right away.
	if msg.RoundNumber >= 1 && msg.RoundNumber <= 10 {
		d.sendQueueStatus(conn.ID, msg.RoundNumber)
	}

	d.redeliverActiveMatch(msg.ParticipantID)
}

// redeliverActiveMatch pushes the participant's live match again after a
// reconnect, so a dropped socket does not strand them on a searching
// screen.
func (d *Dispatcher) redeliverActiveMatch(participantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rec, err := d.registry.Get(ctx, participantID)
	if err != nil || rec == nil || rec.Status != registry.StatusMatched || rec.MatchID == "" {
		return
	}
	m, err := d.matches.Get(ctx, rec.MatchID)
	if err != nil || m == nil || m.Status != match.StatusActive {
		return
	}

	log.Printf("[dispatch] re-delivering active match %s to %s", m.ID, participantID)
	d.deliverMatch(participantID, m)
}

// handleStartMatchmaking validates the request and hands it to the engine.
func (d *Dispatcher) handleStartMatchmaking(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.StartMatchmakingMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed start_matchmaking payload")
		return
	}

	req, err := protocol.ValidateStartRequest(msg)
	if err != nil {
		d.send(conn.ID, protocol.TypeMatchmakingError, protocol.MatchmakingErrorMsg{
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if d.limiter != nil {
		if ok, _ := d.limiter.Allow(ctx, req.ParticipantID, ratelimit.RuleMatchmaking); !ok {
			d.send(conn.ID, protocol.TypeMatchmakingError, protocol.MatchmakingErrorMsg{
				Message: "too many matchmaking requests, slow down",
			})
			return
		}
	}

	// Fill gaps from the registered session.
	if s := d.sessions.byParticipantID(req.ParticipantID); s != nil {
		if req.ParticipantName == "" {
			req.ParticipantName = s.Name
		}
		if req.TreatmentGroup == "" {
			req.TreatmentGroup = s.Group
		}
	}

	res, err := d.engine.StartMatchmaking(ctx, req)
	if err != nil {
		d.send(conn.ID, protocol.TypeMatchmakingError, protocol.MatchmakingErrorMsg{
			Message: "unable to start matchmaking: " + err.Error(),
		})
		return
	}

	switch res.Status {
	case engine.StartStatusSearching:
		d.send(conn.ID, protocol.TypeMatchmakingStarted, protocol.MatchmakingStartedMsg{
			RoundNumber: req.RoundNumber,
			TimeoutMs:   d.searchTimeout.Milliseconds(),
		})
		d.send(conn.ID, protocol.TypeMatchmakingStatus, protocol.MatchmakingStatusMsg{
			Status:               res.Status,
			QueuePosition:        res.QueuePosition,
			EstimatedWaitSeconds: int(res.EstimatedWait.Seconds()),
		})
	case engine.StartStatusMatchFound:
		// Delivery happens through the notifier path; nothing to send here.
	default:
		d.send(conn.ID, protocol.TypeMatchmakingStatus, protocol.MatchmakingStatusMsg{
			Status: res.Status,
		})
	}
}

// handleCancelMatchmaking stops the participant's search. A round of 0 is
// accepted; the engine resolves it from the active search.
func (d *Dispatcher) handleCancelMatchmaking(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.CancelMatchmakingMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed cancel_matchmaking payload")
		return
	}
	if !protocol.ValidateUUID(msg.ParticipantID) {
		d.sendError(conn.ID, "invalid_participant", "participantId must be a UUID")
		return
	}

	// Clients have been observed to omit the round on cancel; 0 lets the
	// engine fall back to the active-search record.
	round := 0
	if msg.RoundNumber != "" {
		if v, err := msg.RoundNumber.Int64(); err == nil && v >= 1 && v <= 10 {
			round = int(v)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := d.engine.CancelMatchmaking(ctx, msg.ParticipantID, round); err != nil {
		d.send(conn.ID, protocol.TypeMatchmakingError, protocol.MatchmakingErrorMsg{
			Message: "unable to cancel matchmaking",
		})
		return
	}

	d.send(conn.ID, protocol.TypeMatchmakingCancelled, protocol.MatchmakingCancelledMsg{
		RoundNumber: round,
	})
}

// handleGetQueueStatus reports the round queue's depth plus today's match
// counters.
func (d *Dispatcher) handleGetQueueStatus(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.GetQueueStatusMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed get_queue_status payload")
		return
	}
	round, err := protocol.ValidateRound(msg.RoundNumber)
	if err != nil {
		d.sendError(conn.ID, "invalid_round", err.Error())
		return
	}

	d.sendQueueStatus(conn.ID, round)
}

// sendQueueStatus pushes the round's current queue picture: depth, wait
// estimates, and today's match counters.
func (d *Dispatcher) sendQueueStatus(connID string, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	waiting, err := d.queues.Size(ctx, round)
	if err != nil {
		d.sendError(connID, "queue_unavailable", "queue status unavailable")
		return
	}
	stats, err := d.registry.TodayStats(ctx)
	if err != nil {
		log.Printf("[dispatch] today stats: %v", err)
	}

	estimated := int(waiting) * 10
	if max := int(d.searchTimeout.Seconds()); estimated > max {
		estimated = max
	}

	d.send(connID, protocol.TypeQueueStatusUpdate, protocol.QueueStatusUpdateMsg{
		RoundNumber:       round,
		TotalWaiting:      int(waiting),
		AverageWaitTime:   estimated / 2,
		RecentMatches:     int(stats.HumanMatches + stats.AIMatches),
		EstimatedWaitTime: estimated,
	})
}

// handleMatchUpdate relays an in-match event to the match's peers. The
// sender must be a participant of the match.
func (d *Dispatcher) handleMatchUpdate(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.MatchUpdateMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed match_update payload")
		return
	}
	s := d.sessions.byConnID(conn.ID)
	if s == nil {
		d.sendError(conn.ID, "not_registered", "register before sending match updates")
		return
	}
	if msg.MatchID == "" || msg.UpdateType == "" {
		d.sendError(conn.ID, "bad_payload", "matchId and updateType are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	m, err := d.matches.Get(ctx, msg.MatchID)
	if err != nil || m == nil {
		d.sendError(conn.ID, "unknown_match", "match not found")
		return
	}
	if m.Participant1ID != s.ParticipantID && m.Participant2ID != s.ParticipantID {
		d.sendError(conn.ID, "not_in_match", "participant is not part of this match")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeServerMatchUpdate, protocol.ServerMatchUpdateMsg{
		MatchID:    msg.MatchID,
		UpdateType: msg.UpdateType,
		UpdateData: msg.UpdateData,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[dispatch] build match_update: %v", err)
		return
	}

	if d.bus != nil {
		if err := d.bus.PublishMatchUpdate(msg.MatchID, data); err == nil {
			return
		}
		log.Printf("[dispatch] publish update for match %s failed, delivering locally", msg.MatchID)
	}

	// No bus (or publish failed): deliver directly to the local peer.
	peer := m.Participant1ID
	if peer == s.ParticipantID {
		peer = m.Participant2ID
	}
	if peer == "" {
		return
	}
	if ps := d.sessions.byParticipantID(peer); ps != nil {
		if err := d.push.SendMessage(ps.ConnID, data); err != nil {
			log.Printf("[dispatch] relay update to %s: %v", peer, err)
		}
	}
}

// handleUpdateStatus writes a client-driven status through to the
// registry.
func (d *Dispatcher) handleUpdateStatus(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.UpdateStatusMsg)
	if !ok {
		d.sendError(conn.ID, "bad_payload", "malformed update_status payload")
		return
	}
	if !protocol.ValidateUUID(msg.ParticipantID) {
		d.sendError(conn.ID, "invalid_participant", "participantId must be a UUID")
		return
	}
	if !validClientStatus(msg.Status) {
		d.sendError(conn.ID, "invalid_status", "unrecognized status value")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := d.registry.SetStatus(ctx, msg.ParticipantID, msg.Status); err != nil {
		d.sendError(conn.ID, "status_unavailable", "unable to update status")
		return
	}
	d.send(conn.ID, protocol.TypeStatusUpdated, protocol.StatusUpdatedMsg{Status: msg.Status})
}

func validClientStatus(status string) bool {
	switch status {
	case registry.StatusSearching, registry.StatusMatching, registry.StatusMatched,
		registry.StatusCancelled, registry.StatusDisconnected, registry.StatusTimeout:
		return true
	}
	return false
}
