package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessageRoutesTypes(t *testing.T) {
	raw := []byte(`{"type":"start_matchmaking","participantId":"00000000-0000-4000-8000-000000000001","roundNumber":3,"skillLevel":7.5}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msgType != TypeStartMatchmaking {
		t.Errorf("type = %q", msgType)
	}

	m, ok := msg.(StartMatchmakingMsg)
	if !ok {
		t.Fatalf("decoded type %T", msg)
	}
	if m.ParticipantID != "00000000-0000-4000-8000-000000000001" {
		t.Errorf("participant id = %q", m.ParticipantID)
	}
	if m.RoundNumber.String() != "3" {
		t.Errorf("round = %q", m.RoundNumber)
	}
}

func TestParseClientMessageRejectsUnknownAndMalformed(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"match_found"}`)); err == nil {
		t.Error("server-only type should be rejected")
	}
	if _, _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Error("malformed JSON should be rejected")
	}
	if _, _, err := ParseClientMessage([]byte(`{"participantId":"x"}`)); err == nil {
		t.Error("missing type should be rejected")
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != TypePong {
		t.Errorf("type = %v", m["type"])
	}
}

func TestValidateUUID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"00000000-0000-4000-8000-000000000001", true},
		{"9f2c1a4e-7b3d-11ee-b962-0242ac120002", true}, // v1
		{"00000000-0000-4000-c000-000000000001", false}, // bad variant
		{"00000000-0000-6000-8000-000000000001", false}, // v6
		{"not-a-uuid", false},
		{"", false},
		{"00000000-0000-4000-8000-00000000000", false}, // short
	}
	for _, c := range cases {
		if got := ValidateUUID(c.id); got != c.want {
			t.Errorf("ValidateUUID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestValidateRoundBoundaries(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"10", 10, false},
		{"0", 0, true},
		{"11", 0, true},
		{"2.5", 0, true},
		{"-1", 0, true},
	}
	for _, c := range cases {
		got, err := ValidateRound(json.Number(c.in))
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateRound(%s) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && got != c.want {
			t.Errorf("ValidateRound(%s) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestValidateSkill(t *testing.T) {
	if _, err := ValidateSkill(json.Number("0.9")); err == nil {
		t.Error("skill below 1 should be rejected")
	}
	if _, err := ValidateSkill(json.Number("10.1")); err == nil {
		t.Error("skill above 10 should be rejected")
	}
	v, err := ValidateSkill(json.Number(""))
	if err != nil || v != 5.0 {
		t.Errorf("absent skill = (%g, %v), want default 5.0", v, err)
	}
	v, err = ValidateSkill(json.Number("7.5"))
	if err != nil || v != 7.5 {
		t.Errorf("skill 7.5 = (%g, %v)", v, err)
	}
}

func TestValidateTreatmentGroup(t *testing.T) {
	longForm, err := ValidateTreatmentGroup("Group 3: Goal Setting + AI Assistant")
	if err != nil {
		t.Fatalf("long form rejected: %v", err)
	}
	if longForm != "Group 3: Goal Setting + AI Assistant" {
		t.Errorf("canonical = %q", longForm)
	}

	short, err := ValidateTreatmentGroup("goal_ai")
	if err != nil || short != "goal_ai" {
		t.Errorf("short alias = (%q, %v)", short, err)
	}

	// Case-insensitive match on the long form.
	if _, err := ValidateTreatmentGroup("group 5: goal setting + ai assistant + blind competition"); err != nil {
		t.Errorf("lowercased long form rejected: %v", err)
	}

	if _, err := ValidateTreatmentGroup("group 6"); err == nil {
		t.Error("unknown group should be rejected")
	}
	if g, err := ValidateTreatmentGroup(""); err != nil || g != "" {
		t.Errorf("empty group = (%q, %v), want accepted", g, err)
	}
}

func TestValidateStartRequest(t *testing.T) {
	msg := StartMatchmakingMsg{
		ParticipantID:   "00000000-0000-4000-8000-000000000001",
		RoundNumber:     json.Number("2"),
		SkillLevel:      json.Number("7"),
		TreatmentGroup:  "tournament",
		ParticipantName: "Ada",
	}

	req, err := ValidateStartRequest(msg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if req.RoundNumber != 2 || req.SkillLevel != 7 || req.TreatmentGroup != "tournament" {
		t.Errorf("unexpected request: %+v", req)
	}

	msg.ParticipantID = "nope"
	if _, err := ValidateStartRequest(msg); err == nil {
		t.Error("invalid participant id should be rejected")
	}
}
