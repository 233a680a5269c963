package envelope

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
)

// TestClassifyLanes checks the documented classification rules
func TestClassifyLanes(t *testing.T) {
	cases := []struct {
		typ     string
		payload map[string]any
		want    Lane
	}{
		{"stats", nil, LaneState},
		{"STREAK", nil, LaneState},
		{"perf_target_fps", map[string]any{"fps": 60}, LaneState},
		{"hitmarker", nil, LaneCosmetic},
		{"event", map[string]any{"event_type": "Hitmarker Head"}, LaneCosmetic},
		{"event", map[string]any{"event_type": "Kill"}, LaneCritical},
		{"event", map[string]any{"event_type": "revive taken"}, LaneCritical},
		{"event", map[string]any{"event_type": "Alert Win"}, LaneCritical},
		{"event", map[string]any{"event_type": "Knife Kill"}, LaneNormal},
		{"crosshair_recoil", nil, LaneCosmetic},
		{"feed", map[string]any{"html": "<b>x</b>"}, LaneNormal},
		{"something_new", nil, LaneNormal},
	}
	for _, c := range cases {
		if got := Classify(c.typ, c.payload); got != c.want {
			t.Errorf("Classify(%q, %v) = %s, want %s", c.typ, c.payload, got, c.want)
		}
	}
}

// TestLaneClassificationIsTotal fuzzes random inputs and checks the lane set
func TestLaneClassificationIsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"event", "stats", "feed", "hitmarker", "kill", "death", "x", " ", "PERF_", "crosshair", "_recoil"}
	for i := 0; i < 2000; i++ {
		var sb strings.Builder
		for j := rng.Intn(4); j >= 0; j-- {
			sb.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		payload := map[string]any{"event_type": alphabet[rng.Intn(len(alphabet))]}
		if rng.Intn(3) == 0 {
			payload["event_type"] = rng.Int()
		}
		env := Normalize(Input{Type: sb.String(), Payload: payload, Seq: uint64(i), ArrivalMs: 1})
		if !env.Lane.Valid() {
			t.Fatalf("lane %q outside lane set for type %q", env.Lane, sb.String())
		}
		if env.Priority != env.Lane.Priority() {
			t.Fatalf("priority %d does not match lane %s", env.Priority, env.Lane)
		}

		again := Normalize(Input{Type: env.Type, Payload: env.Payload, Seq: env.Seq, ArrivalMs: 2})
		if again.Lane != env.Lane {
			t.Fatalf("round-trip lane changed: %s -> %s", env.Lane, again.Lane)
		}
	}
}

// TestHitmarkerIsCosmeticWithoutDedupe covers case-insensitive hitmarker sub-types
func TestHitmarkerIsCosmeticWithoutDedupe(t *testing.T) {
	for _, sub := range []string{"hitmarker", "HITMARKER", "Hitmarker_Head", "shield hitmarker"} {
		env := Normalize(Input{Type: "event", Payload: map[string]any{"event_type": sub, "filename": "hit.png"}, ArrivalMs: 10})
		if env.Lane != LaneCosmetic {
			t.Errorf("%q: expected cosmetic, got %s", sub, env.Lane)
		}
		if env.DedupeKey != "" {
			t.Errorf("%q: expected empty dedupe key, got %q", sub, env.DedupeKey)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	env := Normalize(Input{Type: " Stats ", Payload: map[string]any{"html": "<b>1</b>"}, Seq: 3, ArrivalMs: 1000})
	if env.Type != "stats" {
		t.Errorf("Expected type 'stats', got %q", env.Type)
	}
	if env.CoalesceKey != "stats" || env.DedupeKey != "stats" {
		t.Errorf("State keys should equal type, got %q/%q", env.CoalesceKey, env.DedupeKey)
	}
	if env.TsSourceMs != 1000 || env.TsServerRxMs != 1000 {
		t.Errorf("Expected timestamps default to arrival, got %d/%d", env.TsSourceMs, env.TsServerRxMs)
	}
	if env.TTLMs != 0 {
		t.Errorf("Expected ttl 0, got %d", env.TTLMs)
	}
	if env.ID == "" {
		t.Error("Expected derived id")
	}

	kill := Normalize(Input{Type: "event", Payload: map[string]any{"event_type": "Kill", "filename": "kill.png", "ttl_ms": 1500.0, "ts_source_ms": 900}, ArrivalMs: 1000})
	if kill.DedupeKey != "event:kill:kill.png" {
		t.Errorf("Unexpected dedupe key %q", kill.DedupeKey)
	}
	if kill.CoalesceKey != "" {
		t.Errorf("Transient coalesce key should be empty, got %q", kill.CoalesceKey)
	}
	if kill.TTLMs != 1500 || kill.TsSourceMs != 900 {
		t.Errorf("Expected ttl 1500 / source ts 900, got %d / %d", kill.TTLMs, kill.TsSourceMs)
	}

	feed := Normalize(Input{Type: "feed", Payload: map[string]any{"html": "H"}})
	if !strings.HasPrefix(feed.DedupeKey, "feed:") || feed.DedupeKey != "feed:"+HashBody("H") {
		t.Errorf("Unexpected feed dedupe key %q", feed.DedupeKey)
	}

	explicit := Normalize(Input{Type: "feed", Payload: map[string]any{"html": "H", "dedupe_key": "mine"}})
	if explicit.DedupeKey != "mine" {
		t.Errorf("Explicit dedupe key ignored, got %q", explicit.DedupeKey)
	}

	unknown := Normalize(Input{Type: "twitch_chat"})
	if unknown.Lane != LaneNormal || unknown.Priority != 60 || unknown.DedupeKey != "" {
		t.Errorf("Unknown type should be normal/60/no-dedupe, got %s/%d/%q", unknown.Lane, unknown.Priority, unknown.DedupeKey)
	}
}

func TestNormalizeDoesNotMutatePayload(t *testing.T) {
	payload := map[string]any{"event_type": "Kill", "filename": "kill.png"}
	Normalize(Input{Type: "event", Payload: payload})
	if len(payload) != 2 {
		t.Errorf("payload mutated: %v", payload)
	}
}

func TestEncodeBatchWireForm(t *testing.T) {
	env := Normalize(Input{ID: "abc", Type: "stats", Payload: map[string]any{"html": "2"}, Seq: 7, ArrivalMs: 5})
	frame, err := EncodeBatch(99, []Envelope{env})
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}

	var decoded struct {
		Kind     string `json:"kind"`
		TickTsMs int64  `json:"tick_ts_ms"`
		Events   []struct {
			Category string         `json:"category"`
			Data     map[string]any `json:"data"`
			Meta     struct {
				Seq uint64 `json:"seq"`
				V2  struct {
					ID          string `json:"id"`
					Priority    int    `json:"priority"`
					CoalesceKey string `json:"coalesce_key"`
				} `json:"v2"`
			} `json:"meta"`
		} `json:"events"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Kind != "batch" || decoded.TickTsMs != 99 || len(decoded.Events) != 1 {
		t.Fatalf("Unexpected batch: %+v", decoded)
	}
	ev := decoded.Events[0]
	if ev.Category != "stats" || ev.Data["html"] != "2" || ev.Meta.Seq != 7 {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Meta.V2.ID != "abc" || ev.Meta.V2.Priority != 100 || ev.Meta.V2.CoalesceKey != "stats" {
		t.Errorf("Unexpected v2 meta: %+v", ev.Meta.V2)
	}
}

func TestExpired(t *testing.T) {
	env := Envelope{TsServerRxMs: 100, TTLMs: 50}
	if env.Expired(150) {
		t.Error("should not be expired at the boundary")
	}
	if !env.Expired(151) {
		t.Error("should be expired past ttl")
	}
	if (Envelope{TsServerRxMs: 0}).Expired(1 << 40) {
		t.Error("ttl 0 never expires")
	}
}
