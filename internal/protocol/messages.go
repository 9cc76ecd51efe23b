// Package protocol defines the push-channel message types exchanged with
// experiment clients. All messages are JSON with a "type" discriminator in
// a consistent envelope, plus the boundary validation rules (UUIDs, round
// and skill ranges, treatment groups) enforced before anything reaches the
// matchmaking engine.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeRegister          = "register"
	TypeStartMatchmaking  = "start_matchmaking"
	TypeCancelMatchmaking = "cancel_matchmaking"
	TypeGetQueueStatus    = "get_queue_status"
	TypeMatchUpdate       = "match_update"
	TypeUpdateStatus      = "update_status"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeRegistrationSuccess  = "registration_success"
	TypeMatchmakingStarted   = "matchmaking_started"
	TypeMatchmakingStatus    = "matchmaking_status"
	TypeMatchFound           = "match_found"
	TypeServerMatchUpdate    = "match_update"
	TypeQueueStatusUpdate    = "queue_status_update"
	TypeStatusUpdated        = "status_updated"
	TypeMatchmakingCancelled = "matchmaking_cancelled"
	TypeMatchmakingError     = "matchmaking_error"
	TypeError                = "error"
	TypeHeartbeat            = "heartbeat"
	TypePong                 = "pong"
)

// Envelope holds the message type and the raw JSON for deferred decoding
// into the concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw message and extracts only the type
// field so the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg upserts the participant's push session. Round, name, and
// treatment group are optional at registration time.
type RegisterMsg struct {
	Type            string `json:"type"`
	ParticipantID   string `json:"participantId"`
	RoundNumber     int    `json:"roundNumber,omitempty"`
	ParticipantName string `json:"participantName,omitempty"`
	TreatmentGroup  string `json:"treatmentGroup,omitempty"`
}

// StartMatchmakingMsg enters the participant into a round queue. Numeric
// fields use json.Number so a fractional round number is rejected instead
// of silently truncated.
type StartMatchmakingMsg struct {
	Type            string      `json:"type"`
	ParticipantID   string      `json:"participantId"`
	RoundNumber     json.Number `json:"roundNumber"`
	SkillLevel      json.Number `json:"skillLevel,omitempty"`
	TreatmentGroup  string      `json:"treatmentGroup,omitempty"`
	ParticipantName string      `json:"participantName,omitempty"`
}

// CancelMatchmakingMsg leaves the round queue.
type CancelMatchmakingMsg struct {
	Type          string      `json:"type"`
	ParticipantID string      `json:"participantId"`
	RoundNumber   json.Number `json:"roundNumber"`
}

// GetQueueStatusMsg requests the current queue status for a round.
type GetQueueStatusMsg struct {
	Type        string      `json:"type"`
	RoundNumber json.Number `json:"roundNumber"`
}

// MatchUpdateMsg broadcasts a live-match update to the match's peers.
type MatchUpdateMsg struct {
	Type       string          `json:"type"`
	MatchID    string          `json:"matchId"`
	UpdateType string          `json:"updateType"`
	UpdateData json.RawMessage `json:"updateData,omitempty"`
}

// UpdateStatusMsg writes the participant's status through to the registry.
type UpdateStatusMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegistrationSuccessMsg confirms session registration.
type RegistrationSuccessMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	Timestamp     int64  `json:"timestamp"`
}

// MatchmakingStartedMsg confirms the search has begun.
type MatchmakingStartedMsg struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

// MatchmakingStatusMsg is the engine's first response to start_matchmaking.
type MatchmakingStatusMsg struct {
	Type                 string `json:"type"`
	Status               string `json:"status"` // searching | already_searching
	QueuePosition        int    `json:"queuePosition,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
}

// MatchFoundMsg is the per-peer materialized view of a produced match.
// Opponent and AISettings are JSON text, carried unchanged from the match
// record.
type MatchFoundMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Participant1ID string `json:"participant1_id"`
	Participant2ID string `json:"participant2_id,omitempty"`
	RoundNumber    int    `json:"round_number"`
	MatchType      string `json:"match_type"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	IsAI           bool   `json:"isAI"`
	Opponent       string `json:"opponent"`
	MyRole         string `json:"myRole"` // participant1 | participant2
	Timestamp      int64  `json:"timestamp"`
	AISettings     string `json:"aiSettings,omitempty"`
}

// ServerMatchUpdateMsg relays a match update to the peers.
type ServerMatchUpdateMsg struct {
	Type       string          `json:"type"`
	MatchID    string          `json:"matchId"`
	UpdateType string          `json:"updateType"`
	UpdateData json.RawMessage `json:"updateData,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// QueueStatusUpdateMsg describes a round queue's current state. Times are
// in seconds.
type QueueStatusUpdateMsg struct {
	Type              string `json:"type"`
	RoundNumber       int    `json:"roundNumber"`
	TotalWaiting      int    `json:"totalWaiting"`
	AverageWaitTime   int    `json:"averageWaitTime"`
	RecentMatches     int    `json:"recentMatches"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
}

// StatusUpdatedMsg echoes a status write-through.
type StatusUpdatedMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// MatchmakingCancelledMsg confirms a cancellation.
type MatchmakingCancelledMsg struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
}

// MatchmakingErrorMsg reports a failure to start or run a search.
type MatchmakingErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg reports a malformed or invalid event payload.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatMsg is broadcast to all sessions on the dispatcher tick.
type HeartbeatMsg struct {
	Type           string `json:"type"`
	ConnectedCount int    `json:"connectedCount"`
	Timestamp      int64  `json:"timestamp"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw push-channel bytes into a typed client
// message. It returns the type string, the decoded struct, and any error.
// Server-only and unknown types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartMatchmaking:
		var m StartMatchmakingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatchmaking:
		var m CancelMatchmakingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetQueueStatus:
		var m GetQueueStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchUpdate:
		var m MatchUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateStatus:
		var m UpdateStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage JSON-encodes a server message, injecting msgType under
// the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
