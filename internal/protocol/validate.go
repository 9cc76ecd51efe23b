package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// uuidRe matches UUID versions 1-5 with RFC 4122 variant bits.
var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Recognized treatment groups: long experiment labels plus short aliases.
// treatmentGroups maps every accepted spelling to its canonical form.
var treatmentGroups = map[string]string{
	"group 1: control":                                          "Group 1: Control",
	"group 2: goal setting only":                                "Group 2: Goal Setting Only",
	"group 3: goal setting + ai assistant":                      "Group 3: Goal Setting + AI Assistant",
	"group 4: goal setting + ai assistant + competition":        "Group 4: Goal Setting + AI Assistant + Competition",
	"group 5: goal setting + ai assistant + blind competition":  "Group 5: Goal Setting + AI Assistant + Blind Competition",
	"control":      "control",
	"goal_setting": "goal_setting",
	"goal_ai":      "goal_ai",
	"tournament":   "tournament",
}

// StartRequest is the validated form of a start_matchmaking payload. The
// raw message is never mutated; validation produces this record instead.
type StartRequest struct {
	ParticipantID   string
	ParticipantName string
	RoundNumber     int
	SkillLevel      float64
	TreatmentGroup  string
}

// ValidateUUID reports whether s is a well-formed UUID (v1-v5, RFC 4122
// variant).
func ValidateUUID(s string) bool {
	return uuidRe.MatchString(s)
}

// ValidateRound parses a JSON round number and enforces that it is an
// integer in [1, 10].
func ValidateRound(n json.Number) (int, error) {
	if n == "" {
		return 0, fmt.Errorf("protocol: roundNumber is required")
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("protocol: roundNumber must be an integer: %q", n)
	}
	if v < 1 || v > 10 {
		return 0, fmt.Errorf("protocol: roundNumber %d out of range [1, 10]", v)
	}
	return int(v), nil
}

// ValidateSkill parses a JSON skill level in [1, 10]. An absent value
// defaults to 5.0 (the scale midpoint).
func ValidateSkill(n json.Number) (float64, error) {
	if n == "" {
		return 5.0, nil
	}
	v, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("protocol: skillLevel must be numeric: %q", n)
	}
	if v < 1 || v > 10 {
		return 0, fmt.Errorf("protocol: skillLevel %g out of range [1, 10]", v)
	}
	return v, nil
}

// ValidateTreatmentGroup canonicalizes a treatment group label. The empty
// string is accepted (group is optional); any other unrecognized value is
// rejected.
func ValidateTreatmentGroup(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	canonical, ok := treatmentGroups[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("protocol: unrecognized treatment group %q", s)
	}
	return canonical, nil
}

// ValidateStartRequest validates a start_matchmaking message into a
// StartRequest, enforcing every boundary rule before the engine is called.
func ValidateStartRequest(msg StartMatchmakingMsg) (StartRequest, error) {
	if !ValidateUUID(msg.ParticipantID) {
		return StartRequest{}, fmt.Errorf("protocol: invalid participantId %q", msg.ParticipantID)
	}
	round, err := ValidateRound(msg.RoundNumber)
	if err != nil {
		return StartRequest{}, err
	}
	skill, err := ValidateSkill(msg.SkillLevel)
	if err != nil {
		return StartRequest{}, err
	}
	group, err := ValidateTreatmentGroup(msg.TreatmentGroup)
	if err != nil {
		return StartRequest{}, err
	}

	return StartRequest{
		ParticipantID:   msg.ParticipantID,
		ParticipantName: msg.ParticipantName,
		RoundNumber:     round,
		SkillLevel:      skill,
		TreatmentGroup:  group,
	}, nil
}
