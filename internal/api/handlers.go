package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// errTraversal marks a request path escaping its root.
var errTraversal = errors.New("path escapes root")

// assetSubdirs are searched in order under the asset root.
var assetSubdirs = []string{"", "Images", "Sounds", "Crosshair"}

// extraMIME covers extensions the platform mime table often lacks.
var extraMIME = map[string]string{
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".webm": "video/webm",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".js":   "application/javascript",
	".css":  "text/css; charset=utf-8",
	".json": "application/json",
	".gif":  "image/gif",
	".png":  "image/png",
}

// VisibilityModes are the accepted dev overrides.
var VisibilityModes = map[string]bool{"auto": true, "hide": true, "show": true}

// overlayConfig is the live bootstrap handed to the renderer.
type overlayConfig struct {
	WSPort          int  `json:"wsPort"`
	PerfDebug       bool `json:"perfDebug"`
	EventPipelineV2 bool `json:"eventPipelineV2"`
	JSSchedulerV2   bool `json:"jsSchedulerV2"`
}

func (h *routerHandlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	serveFile(w, r, filepath.Join(h.webRoot, "index.html"))
}

func (h *routerHandlers) handleOverlayConfig(w http.ResponseWriter, r *http.Request) {
	cfg := overlayConfig{WSPort: h.wsPort()}
	if h.pipeline != nil {
		t := h.pipeline.Tuning()
		cfg.PerfDebug = t.PerfDebug
		cfg.EventPipelineV2 = t.EventPipelineV2
		cfg.JSSchedulerV2 = t.JSSchedulerV2
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		writeError(w, "config encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "window.OVERLAY_CONFIG = %s;\n", body)
}

func (h *routerHandlers) handleWeb(w http.ResponseWriter, r *http.Request) {
	path, err := safeJoin(h.webRoot, chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	serveFile(w, r, path)
}

func (h *routerHandlers) handleAsset(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	for _, sub := range assetSubdirs {
		path, err := safeJoin(filepath.Join(h.assetRoot, sub), rel)
		if err != nil {
			writeError(w, "forbidden", http.StatusForbidden)
			return
		}
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			serveFile(w, r, path)
			return
		}
	}
	writeError(w, "not found", http.StatusNotFound)
}

func (h *routerHandlers) handleOverlayVisibility(w http.ResponseWriter, r *http.Request) {
	mode := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode")))
	if !VisibilityModes[mode] {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "mode must be auto, hide or show"})
		return
	}
	if h.pipeline != nil {
		h.pipeline.Publish("overlay_visibility", map[string]any{"mode": mode})
	}
	log.Printf("👁️ Overlay visibility override: %s", mode)
	writeJSON(w, map[string]any{"ok": true, "mode": mode})
}

// safeJoin resolves rel under root, refusing anything that escapes it.
func safeJoin(root, rel string) (string, error) {
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", errTraversal
		}
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", errTraversal
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, filepath.FromSlash(rel))
	back, err := filepath.Rel(absRoot, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", errTraversal
	}
	return full, nil
}

// serveFile streams a regular file with a MIME type inferred from its
// extension.
func serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		writeError(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType(path))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extraMIME[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
