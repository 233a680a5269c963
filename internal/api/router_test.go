package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"better-planetside/internal/broadcast"
)

// ============================================================================
// Mock Implementations
// ============================================================================

type published struct {
	typ     string
	payload map[string]any
}

// MockPipeline implements Pipeline for router tests
type MockPipeline struct {
	mu        sync.Mutex
	published []published
	tuning    broadcast.Tuning
	replay    [][]byte
}

func (m *MockPipeline) Publish(typ string, payload map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{typ, payload})
	return true
}

func (m *MockPipeline) Tuning() broadcast.Tuning { return m.tuning }

func (m *MockPipeline) ReplayFrames() [][]byte { return m.replay }

// ============================================================================
// Test Helpers
// ============================================================================

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupTestRouter(t *testing.T) (*httptest.Server, *MockPipeline, string) {
	t.Helper()
	dir := t.TempDir()
	webRoot := filepath.Join(dir, "web")
	assetRoot := filepath.Join(dir, "assets")

	writeFile(t, filepath.Join(webRoot, "index.html"), "<html>overlay</html>")
	writeFile(t, filepath.Join(webRoot, "js", "app.js"), "console.log(1)")
	writeFile(t, filepath.Join(dir, "secret.txt"), "secret")
	writeFile(t, filepath.Join(assetRoot, "Images", "kill.png"), "png")
	writeFile(t, filepath.Join(assetRoot, "Sounds", "kill.ogg"), "ogg")
	writeFile(t, filepath.Join(assetRoot, "Crosshair", "dot.svg"), "<svg/>")
	writeFile(t, filepath.Join(assetRoot, "top.json"), "{}")

	pipeline := &MockPipeline{tuning: broadcast.Tuning{PerfDebug: true, EventPipelineV2: true}}
	router := NewRouter(RouterConfig{
		Pipeline:       pipeline,
		WSPort:         func() int { return 6661 },
		WebRoot:        webRoot,
		AssetRoot:      assetRoot,
		Limits:         &ClientLimits{PerSecond: 1000, Burst: 1000},
		DisableLogging: true,
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, pipeline, dir
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// ============================================================================
// Static surface
// ============================================================================

func TestIndexServedOnRootAndIndexHTML(t *testing.T) {
	ts, _, _ := setupTestRouter(t)

	for _, path := range []string{"/", "/index.html"} {
		resp, body := get(t, ts.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if body != "<html>overlay</html>" {
			t.Errorf("%s: unexpected body %q", path, body)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: expected text/html, got %q", path, ct)
		}
	}
}

func TestOverlayConfigScript(t *testing.T) {
	ts, _, _ := setupTestRouter(t)

	resp, body := get(t, ts.URL+"/overlay-config.js", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(body, "window.OVERLAY_CONFIG = ") || !strings.HasSuffix(strings.TrimSpace(body), ";") {
		t.Fatalf("Unexpected script: %q", body)
	}
	raw := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(body, "window.OVERLAY_CONFIG = ")), ";")
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Config is not JSON: %v", err)
	}
	if cfg["wsPort"] != float64(6661) || cfg["perfDebug"] != true || cfg["eventPipelineV2"] != true || cfg["jsSchedulerV2"] != false {
		t.Errorf("Unexpected config: %v", cfg)
	}
}

func TestWebFilesAndTraversal(t *testing.T) {
	ts, _, _ := setupTestRouter(t)

	resp, body := get(t, ts.URL+"/web/js/app.js", nil)
	if resp.StatusCode != http.StatusOK || body != "console.log(1)" {
		t.Errorf("Expected app.js, got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Expected javascript MIME, got %q", ct)
	}

	for _, path := range []string{"/web/../secret.txt", "/web/js/../../secret.txt", "/web/%2e%2e/secret.txt"} {
		resp, _ := get(t, ts.URL+path, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, resp.StatusCode)
		}
	}

	resp, _ = get(t, ts.URL+"/web/missing.js", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing web file, got %d", resp.StatusCode)
	}
}

func TestAssetsSearchPathAndCORS(t *testing.T) {
	ts, _, _ := setupTestRouter(t)

	cases := map[string]string{
		"/assets/kill.png": "image/png",
		"/assets/kill.ogg": "audio/ogg",
		"/assets/dot.svg":  "image/svg+xml",
		"/assets/top.json": "application/json",
	}
	for path, wantType := range cases {
		resp, _ := get(t, ts.URL+path, map[string]string{"Origin": "http://obs.local"})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
			continue
		}
		if ct := resp.Header.Get("Content-Type"); ct != wantType {
			t.Errorf("%s: expected %s, got %q", path, wantType, ct)
		}
		if acao := resp.Header.Get("Access-Control-Allow-Origin"); acao != "*" {
			t.Errorf("%s: expected CORS *, got %q", path, acao)
		}
	}

	resp, _ := get(t, ts.URL+"/assets/../secret.txt", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 on asset traversal, got %d", resp.StatusCode)
	}
	resp, _ = get(t, ts.URL+"/assets/nope.png", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on missing asset, got %d", resp.StatusCode)
	}
}

// ============================================================================
// Dev endpoints
// ============================================================================

func TestOverlayVisibilityOverride(t *testing.T) {
	ts, pipeline, _ := setupTestRouter(t)

	resp, body := get(t, ts.URL+"/dev/overlay-visibility?mode=HIDE", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	json.Unmarshal([]byte(body), &out)
	if out["ok"] != true || out["mode"] != "hide" {
		t.Errorf("Unexpected response %v", out)
	}
	if len(pipeline.published) != 1 || pipeline.published[0].typ != "overlay_visibility" || pipeline.published[0].payload["mode"] != "hide" {
		t.Errorf("Expected overlay_visibility published, got %+v", pipeline.published)
	}

	resp, _ = get(t, ts.URL+"/dev/overlay-visibility?mode=blink", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid mode, got %d", resp.StatusCode)
	}
	if len(pipeline.published) != 1 {
		t.Error("Invalid mode must not publish")
	}
}

func TestFaviconAndUnknownRoutes(t *testing.T) {
	ts, _, _ := setupTestRouter(t)

	resp, _ := get(t, ts.URL+"/favicon.ico", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 for favicon, got %d", resp.StatusCode)
	}
	resp, _ = get(t, ts.URL+"/api/state", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", resp.StatusCode)
	}
}

func TestClientLimiterRejectsBurst(t *testing.T) {
	rl := NewClientLimiter(ClientLimits{PerSecond: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected burst of 2 allowed, got %d", allowed)
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("Limiter must be per address")
	}
	if stats := rl.Stats(); stats.Rejected != 3 || stats.Clients != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	now = now.Add(time.Hour)
	rl.Allow("10.0.0.3")
	if stats := rl.Stats(); stats.Clients != 1 {
		t.Errorf("Expected idle buckets swept, %d clients left", stats.Clients)
	}
}

func TestSubscriberGate(t *testing.T) {
	g := newSubscriberGate(2)
	if !g.acquire("a") || !g.acquire("a") {
		t.Fatal("Expected two slots")
	}
	if g.acquire("a") {
		t.Error("Third subscriber from one address must be refused")
	}
	g.release("a")
	if !g.acquire("a") {
		t.Error("Released slot should be reusable")
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	if _, err := safeJoin(root, "a/b.png"); err != nil {
		t.Errorf("Plain path refused: %v", err)
	}
	for _, bad := range []string{"../x", "a/../../x", "..\\x", "/etc/passwd"} {
		if _, err := safeJoin(root, bad); err == nil {
			t.Errorf("%q should be refused", bad)
		}
	}
}
