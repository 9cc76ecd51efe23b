package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tourneylab/matchmaking/internal/ai"
	"github.com/tourneylab/matchmaking/internal/config"
	"github.com/tourneylab/matchmaking/internal/engine"
	"github.com/tourneylab/matchmaking/internal/lock"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/protocol"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/registry"
	"github.com/tourneylab/matchmaking/internal/store"
	"github.com/tourneylab/matchmaking/internal/ws"
)

type fakePush struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakePush() *fakePush {
	return &fakePush{sent: make(map[string][][]byte)}
}

func (p *fakePush) SendMessage(connID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[connID] = append(p.sent[connID], data)
	return nil
}

func (p *fakePush) Broadcast(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent["*"] = append(p.sent["*"], data)
}

func (p *fakePush) ConnectionCount() int { return 0 }

// find returns the first frame of the given type sent to connID, decoded.
func (p *fakePush) find(connID, msgType string) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, frame := range p.sent[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			return m
		}
	}
	return nil
}

// waitFor polls for a frame of the given type.
func (p *fakePush) waitFor(t *testing.T, connID, msgType string, within time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m := p.find(connID, msgType); m != nil {
			return m
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s frame arrived on conn %s", msgType, connID)
	return nil
}

// fakeBus loops published match.found messages straight back to the
// local subscriber and records subscription lifecycles.
type fakeBus struct {
	mu           sync.Mutex
	found        map[string]func([]byte)
	updateSubs   map[string]bool
	unsubscribed []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		found:      make(map[string]func([]byte)),
		updateSubs: make(map[string]bool),
	}
}

func (b *fakeBus) PublishMatchFound(participantID string, data []byte) error {
	b.mu.Lock()
	handler := b.found[participantID]
	b.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (b *fakeBus) SubscribeMatchFound(participantID string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.found[participantID] = handler
	return nil
}

func (b *fakeBus) UnsubscribeMatchFound(participantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.found, participantID)
	b.unsubscribed = append(b.unsubscribed, "found:"+participantID)
	return nil
}

func (b *fakeBus) PublishMatchUpdate(matchID string, data []byte) error { return nil }

func (b *fakeBus) SubscribeMatchUpdate(matchID, participantID string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateSubs[matchID+":"+participantID] = true
	return nil
}

func (b *fakeBus) UnsubscribeMatchUpdate(matchID, participantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.updateSubs, matchID+":"+participantID)
	b.unsubscribed = append(b.unsubscribed, "update:"+matchID+":"+participantID)
	return nil
}

func (b *fakeBus) didUnsubscribe(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.unsubscribed {
		if u == key {
			return true
		}
	}
	return false
}

func setupDispatcher(t *testing.T) (*Dispatcher, *fakePush, *registry.Registry, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	st := store.NewClientFromRedis(rdb)
	reg := registry.New(st)
	queues := queue.NewService(st, reg, 100)
	matches := match.NewStore(st)
	push := newFakePush()

	mmCfg := config.Matchmaking{
		HumanSearchTimeout: 400 * time.Millisecond,
		SearchInterval:     50 * time.Millisecond,
		MinSearchAttempts:  1000,
		SkillThreshold:     1.5,
		MaxQueueSize:       100,
	}
	d := New(config.Dispatch{
		HeartbeatInterval: time.Second,
		ConnectionTimeout: 2 * time.Second,
	}, mmCfg.HumanSearchTimeout, Deps{
		Push:     push,
		Queues:   queues,
		Registry: reg,
		Matches:  matches,
	})
	e := engine.New(mmCfg, engine.Deps{
		Queues:    queues,
		Locks:     lock.NewService(st),
		Registry:  reg,
		Matches:   matches,
		Simulator: ai.NewSimulatorWithSeed(7),
		Notifier:  d,
	})
	d.SetEngine(e)

	t.Cleanup(func() {
		e.Close()
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return d, push, reg, ctx
}

func conn(id string) *ws.Connection {
	return &ws.Connection{ID: id}
}

func register(t *testing.T, d *Dispatcher, connID, participantID, name string) {
	t.Helper()
	d.handleRegister(conn(connID), protocol.RegisterMsg{
		Type:            protocol.TypeRegister,
		ParticipantID:   participantID,
		ParticipantName: name,
	})
}

func startMsg(participantID string, round int, skill string) protocol.StartMatchmakingMsg {
	return protocol.StartMatchmakingMsg{
		Type:          protocol.TypeStartMatchmaking,
		ParticipantID: participantID,
		RoundNumber:   json.Number("1"),
		SkillLevel:    json.Number(skill),
	}
}

func TestRegisterConfirms(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "Alice")

	m := push.find("c1", protocol.TypeRegistrationSuccess)
	if m == nil {
		t.Fatal("no registration_success frame")
	}
	if m["participantId"] != pid {
		t.Fatalf("registration echoed wrong participant: %v", m["participantId"])
	}
}

func TestRegisterRejectsBadUUID(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	register(t, d, "c1", "not-a-uuid", "")

	m := push.find("c1", protocol.TypeError)
	if m == nil || m["code"] != "invalid_participant" {
		t.Fatalf("want invalid_participant error, got %v", m)
	}
}

func TestStartReportsSearching(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "Alice")
	d.handleStartMatchmaking(conn("c1"), startMsg(pid, 1, "5"))

	started := push.find("c1", protocol.TypeMatchmakingStarted)
	if started == nil {
		t.Fatal("no matchmaking_started frame")
	}
	if started["timeoutMs"].(float64) != 400 {
		t.Fatalf("timeoutMs = %v, want 400", started["timeoutMs"])
	}

	status := push.find("c1", protocol.TypeMatchmakingStatus)
	if status == nil || status["status"] != engine.StartStatusSearching {
		t.Fatalf("want searching status, got %v", status)
	}
}

func TestStartRejectsInvalidRound(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "")
	msg := startMsg(pid, 1, "5")
	msg.RoundNumber = json.Number("11")
	d.handleStartMatchmaking(conn("c1"), msg)

	if push.find("c1", protocol.TypeMatchmakingError) == nil {
		t.Fatal("out-of-range round should produce matchmaking_error")
	}
}

func TestMatchFoundDeliveredToBothPeers(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	p1, p2 := uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "Alice")
	register(t, d, "c2", p2, "Bob")

	d.handleStartMatchmaking(conn("c1"), startMsg(p1, 1, "5"))
	d.handleStartMatchmaking(conn("c2"), startMsg(p2, 1, "5.5"))

	v1 := push.waitFor(t, "c1", protocol.TypeMatchFound, 2*time.Second)
	v2 := push.waitFor(t, "c2", protocol.TypeMatchFound, 2*time.Second)

	if v1["id"] != v2["id"] {
		t.Fatalf("peers saw different matches: %v vs %v", v1["id"], v2["id"])
	}
	roles := map[string]bool{v1["myRole"].(string): true, v2["myRole"].(string): true}
	if !roles["participant1"] || !roles["participant2"] {
		t.Fatalf("roles not complementary: %v / %v", v1["myRole"], v2["myRole"])
	}

	// Each peer's opponent descriptor names the other participant.
	for _, v := range []map[string]interface{}{v1, v2} {
		op, err := match.DecodeOpponent(v["opponent"].(string))
		if err != nil {
			t.Fatalf("opponent descriptor: %v", err)
		}
		if op.DisplayName == "" {
			t.Fatal("opponent descriptor missing display name")
		}
		if op.IsAI {
			t.Fatal("human match flagged as AI")
		}
	}
}

func TestAIMatchDeliveredWithSettings(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "Lone")
	d.handleStartMatchmaking(conn("c1"), startMsg(pid, 1, "6"))

	v := push.waitFor(t, "c1", protocol.TypeMatchFound, 3*time.Second)
	if v["isAI"] != true {
		t.Fatalf("want AI match, got %v", v)
	}
	settings, _ := v["aiSettings"].(string)
	var s ai.Settings
	if err := json.Unmarshal([]byte(settings), &s); err != nil || s.OpponentID == "" {
		t.Fatalf("bad aiSettings %q: %v", settings, err)
	}
}

func TestCancelFlow(t *testing.T) {
	d, push, reg, ctx := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "Leaver")
	d.handleStartMatchmaking(conn("c1"), startMsg(pid, 1, "5"))

	// No round in the payload: the engine resolves it from the search.
	d.handleCancelMatchmaking(conn("c1"), protocol.CancelMatchmakingMsg{
		Type:          protocol.TypeCancelMatchmaking,
		ParticipantID: pid,
	})

	if push.find("c1", protocol.TypeMatchmakingCancelled) == nil {
		t.Fatal("no matchmaking_cancelled frame")
	}
	status, _ := reg.Status(ctx, pid)
	if status != registry.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", status)
	}
}

func TestQueueStatusCountsWaiting(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "")
	d.handleStartMatchmaking(conn("c1"), startMsg(pid, 1, "5"))

	d.handleGetQueueStatus(conn("c1"), protocol.GetQueueStatusMsg{
		Type:        protocol.TypeGetQueueStatus,
		RoundNumber: json.Number("1"),
	})

	v := push.find("c1", protocol.TypeQueueStatusUpdate)
	if v == nil {
		t.Fatal("no queue_status_update frame")
	}
	if v["totalWaiting"].(float64) != 1 {
		t.Fatalf("totalWaiting = %v, want 1", v["totalWaiting"])
	}
}

func TestRegisterWithRoundEmitsQueueStatus(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	waiter := uuid.New().String()
	register(t, d, "c1", waiter, "Early")
	d.handleStartMatchmaking(conn("c1"), startMsg(waiter, 1, "5"))

	d.handleRegister(conn("c2"), protocol.RegisterMsg{
		Type:          protocol.TypeRegister,
		ParticipantID: uuid.New().String(),
		RoundNumber:   1,
	})

	v := push.find("c2", protocol.TypeQueueStatusUpdate)
	if v == nil {
		t.Fatal("register with a round should emit queue_status_update")
	}
	if v["roundNumber"].(float64) != 1 {
		t.Fatalf("roundNumber = %v, want 1", v["roundNumber"])
	}
	if v["totalWaiting"].(float64) != 1 {
		t.Fatalf("totalWaiting = %v, want 1", v["totalWaiting"])
	}

	// Without a round there is nothing to report.
	d.handleRegister(conn("c3"), protocol.RegisterMsg{
		Type:          protocol.TypeRegister,
		ParticipantID: uuid.New().String(),
	})
	if push.find("c3", protocol.TypeQueueStatusUpdate) != nil {
		t.Fatal("roundless register should not emit queue_status_update")
	}
}

func TestDisconnectDropsBusSubscriptions(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)
	bus := newFakeBus()
	d.bus = bus

	p1, p2 := uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "Alice")
	register(t, d, "c2", p2, "Bob")
	d.handleStartMatchmaking(conn("c1"), startMsg(p1, 1, "5"))
	d.handleStartMatchmaking(conn("c2"), startMsg(p2, 1, "5"))

	v := push.waitFor(t, "c1", protocol.TypeMatchFound, 2*time.Second)
	matchID := v["id"].(string)

	d.OnDisconnect("c1")

	if !bus.didUnsubscribe("found:" + p1) {
		t.Fatal("match.found subscription survived the disconnect")
	}
	if !bus.didUnsubscribe("update:" + matchID + ":" + p1) {
		t.Fatal("match.update subscription survived the disconnect")
	}

	// The connected peer keeps its subscriptions.
	if bus.didUnsubscribe("found:" + p2) {
		t.Fatal("peer's match.found subscription was dropped")
	}
}

func TestPeerViewNameFallsBackToSession(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	p1, p2 := uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "Alice")
	register(t, d, "c2", p2, "Bob")

	// A record missing participant1's name, as an older writer produced.
	m := &match.Match{
		ID:             uuid.New().String(),
		Participant1ID: p1,
		Participant2ID: p2,
		RoundNumber:    1,
		MatchType:      match.TypeLiveHuman,
		Status:         match.StatusActive,
		CreatedAt:      time.Now().UnixMilli(),
		Opponent: match.EncodeOpponent(match.Opponent{
			ParticipantID: p2,
			DisplayName:   "Bob",
		}),
	}
	d.MatchFound(m)

	v := push.waitFor(t, "c2", protocol.TypeMatchFound, time.Second)
	op, err := match.DecodeOpponent(v["opponent"].(string))
	if err != nil {
		t.Fatalf("opponent descriptor: %v", err)
	}
	if op.DisplayName != "Alice" {
		t.Fatalf("opponent name = %q, want session name Alice", op.DisplayName)
	}
}

func TestMatchUpdateRelayedToPeer(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	p1, p2 := uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "Alice")
	register(t, d, "c2", p2, "Bob")
	d.handleStartMatchmaking(conn("c1"), startMsg(p1, 1, "5"))
	d.handleStartMatchmaking(conn("c2"), startMsg(p2, 1, "5"))

	v := push.waitFor(t, "c1", protocol.TypeMatchFound, 2*time.Second)
	matchID := v["id"].(string)

	d.handleMatchUpdate(conn("c1"), protocol.MatchUpdateMsg{
		Type:       protocol.TypeMatchUpdate,
		MatchID:    matchID,
		UpdateType: "answer_submitted",
		UpdateData: json.RawMessage(`{"questionNumber":3}`),
	})

	upd := push.waitFor(t, "c2", protocol.TypeServerMatchUpdate, time.Second)
	if upd["matchId"] != matchID || upd["updateType"] != "answer_submitted" {
		t.Fatalf("bad relayed update: %v", upd)
	}
}

func TestMatchUpdateFromOutsiderRejected(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	p1, p2, outsider := uuid.New().String(), uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "")
	register(t, d, "c2", p2, "")
	register(t, d, "c3", outsider, "")
	d.handleStartMatchmaking(conn("c1"), startMsg(p1, 1, "5"))
	d.handleStartMatchmaking(conn("c2"), startMsg(p2, 1, "5"))

	v := push.waitFor(t, "c1", protocol.TypeMatchFound, 2*time.Second)

	d.handleMatchUpdate(conn("c3"), protocol.MatchUpdateMsg{
		Type:       protocol.TypeMatchUpdate,
		MatchID:    v["id"].(string),
		UpdateType: "answer_submitted",
	})

	e := push.find("c3", protocol.TypeError)
	if e == nil || e["code"] != "not_in_match" {
		t.Fatalf("want not_in_match error, got %v", e)
	}
}

func TestDisconnectCancelsSearchAndMarksStatus(t *testing.T) {
	d, push, reg, ctx := setupDispatcher(t)
	_ = push

	pid := uuid.New().String()
	register(t, d, "c1", pid, "Dropper")
	d.handleStartMatchmaking(conn("c1"), startMsg(pid, 1, "5"))

	d.OnDisconnect("c1")

	status, _ := reg.Status(ctx, pid)
	if status != registry.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", status)
	}
	if d.sessions.byParticipantID(pid) != nil {
		t.Fatal("session should be unbound after disconnect")
	}
}

func TestUpdateStatusWritesThrough(t *testing.T) {
	d, push, reg, ctx := setupDispatcher(t)

	pid := uuid.New().String()
	register(t, d, "c1", pid, "")

	d.handleUpdateStatus(conn("c1"), protocol.UpdateStatusMsg{
		Type:          protocol.TypeUpdateStatus,
		ParticipantID: pid,
		Status:        registry.StatusMatching,
	})

	if push.find("c1", protocol.TypeStatusUpdated) == nil {
		t.Fatal("no status_updated frame")
	}
	status, _ := reg.Status(ctx, pid)
	if status != registry.StatusMatching {
		t.Fatalf("status = %q, want matching", status)
	}
}

func TestReconnectRedeliversActiveMatch(t *testing.T) {
	d, push, _, _ := setupDispatcher(t)

	p1, p2 := uuid.New().String(), uuid.New().String()
	register(t, d, "c1", p1, "Alice")
	register(t, d, "c2", p2, "Bob")
	d.handleStartMatchmaking(conn("c1"), startMsg(p1, 1, "5"))
	d.handleStartMatchmaking(conn("c2"), startMsg(p2, 1, "5"))
	push.waitFor(t, "c1", protocol.TypeMatchFound, 2*time.Second)

	// Same participant, fresh connection: the live match follows them.
	register(t, d, "c9", p1, "Alice")
	v := push.waitFor(t, "c9", protocol.TypeMatchFound, time.Second)
	if v["isAI"] != false {
		t.Fatalf("redelivered wrong match: %v", v)
	}
}
