package census

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"better-planetside/internal/config"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Test helpers
// ============================================================================

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func deathFrame(ts int64, victim, attacker string, world int) []byte {
	return []byte(fmt.Sprintf(`{"payload":{"event_name":"Death","timestamp":"%d","character_id":"%s",
		"attacker_character_id":"%s","attacker_team_id":"2","team_id":"3","is_headshot":"1",
		"attacker_weapon_id":"7214","attacker_vehicle_id":"0","attacker_loadout_id":"10",
		"character_loadout_id":"15","world_id":"%d","zone_id":"2"},"service":"event","type":"serviceMessage"}`,
		ts, victim, attacker, world))
}

func loginFrame(ts int64, id string, world int) []byte {
	return []byte(fmt.Sprintf(`{"payload":{"event_name":"PlayerLogin","timestamp":"%d","character_id":"%s","world_id":"%d"},"service":"event","type":"serviceMessage"}`, ts, id, world))
}

func testConfig(url string) config.TelemetryConfig {
	cfg := config.DefaultTelemetry()
	cfg.URL = url
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

// ============================================================================
// Parsing
// ============================================================================

func TestParseDeathFrame(t *testing.T) {
	ev, ok, err := ParseFrame(deathFrame(1700000000, "v1", "a1", 17))
	if err != nil || !ok {
		t.Fatalf("Expected a death event, got ok=%v err=%v", ok, err)
	}
	if ev.Kind != KindDeath || ev.CharacterID != "v1" || ev.AttackerID != "a1" {
		t.Errorf("Unexpected identity fields: %+v", ev)
	}
	if !ev.IsHeadshot || ev.WeaponID != "7214" || ev.AttackerTeam != 2 || ev.TeamID != 3 {
		t.Errorf("Unexpected combat fields: %+v", ev)
	}
	if ev.WorldID != 17 || ev.ZoneID != 2 || ev.VictimLoadout != 15 || ev.Timestamp != 1700000000 {
		t.Errorf("Unexpected location fields: %+v", ev)
	}
}

func TestParseExperienceAndMetagame(t *testing.T) {
	ev, ok, err := ParseFrame([]byte(`{"payload":{"event_name":"GainExperience","character_id":"r","other_id":"me","experience_id":"7","amount":"75","team_id":"1","world_id":"1","timestamp":"5"}}`))
	if err != nil || !ok || ev.Kind != KindExperience || ev.ExperienceID != 7 || ev.OtherID != "me" || ev.Amount != 75 {
		t.Errorf("Unexpected experience parse: %+v %v %v", ev, ok, err)
	}

	ev, ok, err = ParseFrame([]byte(`{"payload":{"event_name":"MetagameEvent","metagame_event_state_name":"ended","faction_nc":"45.5","faction_tr":"30","faction_vs":"24.5","world_id":"1","zone_id":"8","metagame_event_id":"147","timestamp":"9"}}`))
	if err != nil || !ok || ev.Kind != KindMetagame || ev.StateName != "ended" || ev.FactionNC != 45.5 || ev.ZoneID != 8 {
		t.Errorf("Unexpected metagame parse: %+v %v %v", ev, ok, err)
	}
}

func TestParseIgnoresServiceFrames(t *testing.T) {
	frames := []string{
		`{"online":{"EventServerEndpoint_Connery_1":"true"},"service":"event","type":"heartbeat"}`,
		`{"connected":"true","service":"push","type":"connectionStateChanged"}`,
		`{"subscription":{"characterCount":1,"eventNames":["Death"]}}`,
		`{"payload":{"event_name":"ItemAdded","character_id":"1"}}`,
	}
	for _, f := range frames {
		if _, ok, err := ParseFrame([]byte(f)); ok || err != nil {
			t.Errorf("Frame %s: expected ignored, got ok=%v err=%v", f, ok, err)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`[1,2,3]`,
		`{"payload":"nope"}`,
		`{"payload":{"event_name":"Death","attacker_character_id":"a"}}`,
		`{"payload":{"event_name":"GainExperience","character_id":"a"}}`,
	}
	for _, f := range frames {
		if _, _, err := ParseFrame([]byte(f)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Frame %s: expected ErrMalformed, got %v", f, err)
		}
	}
}

func TestFIFOSetForgetsOldest(t *testing.T) {
	f := newFIFOSet(3)
	for _, k := range []string{"a", "b", "c"} {
		if f.seenOrAdd(k) {
			t.Fatalf("%s reported seen on first add", k)
		}
	}
	if !f.seenOrAdd("a") {
		t.Error("a should still be remembered")
	}
	f.seenOrAdd("d") // evicts a
	if f.seenOrAdd("a") {
		t.Error("a should have been forgotten")
	}
	if f.len() != 3 {
		t.Errorf("Expected 3 remembered keys, got %d", f.len())
	}
}

// ============================================================================
// Filtering
// ============================================================================

func TestHandleFrameDropsReplays(t *testing.T) {
	sink := &captureSink{}
	l := NewListener(testConfig("ws://unused"), sink)

	l.handleFrame(deathFrame(1, "v1", "a1", 1))
	l.handleFrame(deathFrame(1, "v1", "a1", 1))
	l.handleFrame(deathFrame(2, "v1", "a1", 1))
	l.handleFrame([]byte(`garbage`))

	if got := len(sink.snapshot()); got != 2 {
		t.Errorf("Expected 2 delivered events, got %d", got)
	}
	s := l.Stats()
	if s.Duplicates != 1 || s.Malformed != 1 || s.Frames != 4 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestWorldFilter(t *testing.T) {
	sink := &captureSink{}
	cfg := testConfig("ws://unused")
	cfg.SelectedWorld = 17
	l := NewListener(cfg, sink)

	l.handleFrame(deathFrame(1, "v1", "a1", 17))
	l.handleFrame(deathFrame(2, "v2", "a2", 1))
	l.handleFrame(deathFrame(3, "v3", "a3", 0))

	events := sink.snapshot()
	if len(events) != 2 || events[0].CharacterID != "v1" || events[1].CharacterID != "v3" {
		t.Errorf("Expected world 17 and world 0 events only, got %+v", events)
	}
	if l.Stats().Filtered != 1 {
		t.Errorf("Expected 1 filtered, got %d", l.Stats().Filtered)
	}
}

func TestTrackedLoginBypassesFilterAndReselectsWorld(t *testing.T) {
	sink := &captureSink{}
	cfg := testConfig("ws://unused")
	cfg.SelectedWorld = 17
	l := NewListener(cfg, sink)
	l.TrackCharacters([]string{"me"})

	l.handleFrame(loginFrame(1, "stranger", 40))
	l.handleFrame(loginFrame(2, "me", 40))

	events := sink.snapshot()
	if len(events) != 1 || events[0].CharacterID != "me" {
		t.Fatalf("Expected only the tracked login, got %+v", events)
	}
	if l.World() != 40 {
		t.Errorf("Expected world reselected to 40, got %d", l.World())
	}

	l.handleFrame(deathFrame(3, "v", "a", 40))
	if len(sink.snapshot()) != 2 {
		t.Error("Events on the new world should pass")
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

type fakeUpstream struct {
	mu         sync.Mutex
	subscribes []subscribeFrame
	conns      int
	frames     [][]byte
	closeAfter bool
}

func (u *fakeUpstream) handler(t *testing.T) http.HandlerFunc {
	up := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		u.mu.Lock()
		u.subscribes = append(u.subscribes, sub)
		u.conns++
		first := u.conns == 1
		frames := u.frames
		closeAfter := u.closeAfter
		u.mu.Unlock()

		if first {
			for _, f := range frames {
				conn.WriteMessage(websocket.TextMessage, f)
			}
			if closeAfter {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (u *fakeUpstream) connCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunSubscribesAndReconnects(t *testing.T) {
	upstream := &fakeUpstream{
		frames: [][]byte{
			[]byte(`{"service":"event","type":"heartbeat"}`),
			deathFrame(1, "v1", "a1", 1),
			deathFrame(1, "v1", "a1", 1),
		},
		closeAfter: true,
	}
	ts := httptest.NewServer(upstream.handler(t))
	defer ts.Close()

	sink := &captureSink{}
	l := NewListener(testConfig("ws"+strings.TrimPrefix(ts.URL, "http")), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return upstream.connCount() >= 2 })
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	upstream.mu.Lock()
	sub := upstream.subscribes[0]
	resubscribed := len(upstream.subscribes) >= 2
	upstream.mu.Unlock()
	if sub.Service != "event" || sub.Action != "subscribe" || sub.Characters[0] != "all" {
		t.Errorf("Unexpected subscribe frame %+v", sub)
	}
	want, _ := json.Marshal(EventNames)
	got, _ := json.Marshal(sub.EventNames)
	if string(want) != string(got) {
		t.Errorf("Expected eventNames %s, got %s", want, got)
	}
	if !resubscribed {
		t.Error("Expected the subscription to be re-sent after reconnect")
	}
	if l.Stats().Reconnects < 1 {
		t.Error("Expected reconnect counter to increase")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestReconnectForcesNewSubscription(t *testing.T) {
	upstream := &fakeUpstream{}
	ts := httptest.NewServer(upstream.handler(t))
	defer ts.Close()

	l := NewListener(testConfig("ws"+strings.TrimPrefix(ts.URL, "http")), &captureSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool { return upstream.connCount() == 1 && l.Stats().Connected })
	l.Reconnect()
	waitFor(t, func() bool { return upstream.connCount() == 2 })
}

func TestEndpointAddsServiceID(t *testing.T) {
	cfg := testConfig("wss://push.example.com/streaming")
	cfg.ServiceID = "abc"
	l := NewListener(cfg, nil)
	ep := l.endpoint()
	if !strings.Contains(ep, "service-id=s%3Aabc") || !strings.Contains(ep, "environment=ps2") {
		t.Errorf("Unexpected endpoint %s", ep)
	}
}
