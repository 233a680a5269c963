package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"better-planetside/internal/broadcast"
	"better-planetside/internal/config"
	"better-planetside/internal/envelope"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T, replay func() [][]byte) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(replay)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return hub, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBatch(t *testing.T, conn *websocket.Conn) envelope.Batch {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var b envelope.Batch
	if err := json.Unmarshal(msg, &b); err != nil {
		t.Fatalf("decode batch: %v (%s)", err, msg)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSubscriberReplayThenLiveFrames: a late joiner sees the replay cache
// first, then the next flush.
func TestSubscriberReplayThenLiveFrames(t *testing.T) {
	core := broadcast.New(broadcast.Options{Pipeline: config.DefaultPipeline()})
	hub, ts := startHub(t, core.ReplayFrames)
	core.SetSink(hub)

	core.Publish("stats", map[string]any{"v": "A1"})
	core.Publish("stats", map[string]any{"v": "A2"})
	core.Publish("streak", map[string]any{"v": "S1"})
	core.Flush()

	conn := dial(t, ts, SubscribePath)

	replay := readBatch(t, conn)
	if len(replay.Events) != 2 {
		t.Fatalf("Expected 2 replay envelopes, got %d", len(replay.Events))
	}
	if replay.Events[0].Category != "stats" || replay.Events[0].Data["v"] != "A2" {
		t.Errorf("Expected stats=A2 first, got %+v", replay.Events[0])
	}
	if replay.Events[1].Category != "streak" || replay.Events[1].Data["v"] != "S1" {
		t.Errorf("Expected streak=S1 second, got %+v", replay.Events[1])
	}

	core.Publish("stats", map[string]any{"v": "A3"})
	core.Flush()

	next := readBatch(t, conn)
	if len(next.Events) != 1 || next.Events[0].Data["v"] != "A3" {
		t.Errorf("Expected [stats=A3], got %+v", next.Events)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", hub.ClientCount())
	}
}

func TestUnknownPathClosedWithPolicyViolation(t *testing.T) {
	hub, ts := startHub(t, nil)

	conn := dial(t, ts, "/other")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected a close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("Expected close 1008, got %d", closeErr.Code)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Rejected path must not join, got %d subscribers", hub.ClientCount())
	}
}

func TestSubscriberLeaveRemovesFromSet(t *testing.T) {
	hub, ts := startHub(t, nil)

	a := dial(t, ts, SubscribePath)
	b := dial(t, ts, SubscribePath)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	a.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast([][]byte{[]byte(`{"category":"feed","data":{}}`)})
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := b.ReadMessage(); err != nil || !strings.Contains(string(msg), "feed") {
		t.Errorf("Remaining subscriber should still receive frames: %v %s", err, msg)
	}
}

func TestLegacyFramesArriveInOrder(t *testing.T) {
	cfg := config.DefaultPipeline()
	cfg.BatchMode = false
	core := broadcast.New(broadcast.Options{Pipeline: cfg})
	hub, ts := startHub(t, core.ReplayFrames)
	core.SetSink(hub)

	conn := dial(t, ts, SubscribePath)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	for _, html := range []string{"a", "b", "c"} {
		core.Publish("feed", map[string]any{"html": html})
	}
	core.Flush()

	for _, want := range []string{"a", "b", "c"} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var w envelope.Wire
		json.Unmarshal(msg, &w)
		if w.Data["html"] != want {
			t.Errorf("Expected %s, got %v", want, w.Data["html"])
		}
	}
}

// ============================================================================
// Port allocation
// ============================================================================

func TestListenSkipsBusyAndExcludedPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	base := PortOf(busy)

	ln, err := Listen("127.0.0.1", base, 10, base+1)
	if err != nil {
		t.Skipf("no free port near %d: %v", base, err)
	}
	defer ln.Close()
	if got := PortOf(ln); got == base || got == base+1 {
		t.Errorf("Expected busy and excluded ports skipped, got %d", got)
	}
}

func TestListenNoFreePort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	_, err = Listen("127.0.0.1", PortOf(busy), 1)
	if !errors.Is(err, ErrNoFreePort) {
		t.Errorf("Expected ErrNoFreePort, got %v", err)
	}
}

func TestServerStartBindsDistinctPorts(t *testing.T) {
	core := broadcast.New(broadcast.Options{Pipeline: config.DefaultPipeline()})
	cfg := config.DefaultServer()
	cfg.HTTPPort, cfg.WSPort = 0, 0
	cfg.WebRoot, cfg.AssetRoot = t.TempDir(), t.TempDir()

	srv := NewServer(cfg, core)
	core.SetSink(srv.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	httpPort, wsPort := srv.Ports()
	if httpPort == 0 || wsPort == 0 || httpPort == wsPort {
		t.Fatalf("Expected two distinct bound ports, got %d/%d", httpPort, wsPort)
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(httpPort) + "/favicon.ico")
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+strconv.Itoa(wsPort)+SubscribePath, nil)
	if err != nil {
		t.Fatalf("ws: %v", err)
	}
	defer conn.Close()

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
