package api

import (
	"net/http"

	"better-planetside/internal/broadcast"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Pipeline is the slice of the broadcast core the transport uses.
// Keep this minimal so tests can hand in a fake.
type Pipeline interface {
	// Publish admits a producer envelope
	Publish(typ string, payload map[string]any) bool
	// Tuning returns the effective runtime flags echoed to the overlay
	Tuning() broadcast.Tuning
	// ReplayFrames encodes the state replay for a new subscriber
	ReplayFrames() [][]byte
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	router := api.NewRouter(api.RouterConfig{
//	    Pipeline: core,
//	    WebRoot:  t.TempDir(),
//	    WSPort:   func() int { return 6661 },
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Pipeline receives dev overrides and supplies mode flags (required)
	Pipeline Pipeline

	// WSPort reports the bound subscriber port for the bootstrap script
	WSPort func() int

	// WebRoot holds index.html and the overlay scripts
	WebRoot string

	// AssetRoot is searched for images, sounds and crosshairs
	AssetRoot string

	// Limiter is shared with the server; nil builds one from Limits.
	Limiter *ClientLimiter

	// Limits is only read when Limiter is nil.
	Limits *ClientLimits

	// DisableLogging disables the request logger middleware (tests).
	DisableLogging bool
}

type routerHandlers struct {
	pipeline  Pipeline
	wsPort    func() int
	webRoot   string
	assetRoot string
}

// NewRouter constructs the overlay HTTP router.
//
// IMPORTANT: This function is PURE: no listeners are opened, no goroutines
// start and nothing is published.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	limiter := cfg.Limiter
	if limiter == nil {
		limits := DefaultClientLimits
		if cfg.Limits != nil {
			limits = *cfg.Limits
		}
		limiter = NewClientLimiter(limits)
	}
	r.Use(limiter.Middleware)

	wsPort := cfg.WSPort
	if wsPort == nil {
		wsPort = func() int { return 0 }
	}
	h := &routerHandlers{
		pipeline:  cfg.Pipeline,
		wsPort:    wsPort,
		webRoot:   cfg.WebRoot,
		assetRoot: cfg.AssetRoot,
	}

	r.Get("/", h.handleIndex)
	r.Get("/index.html", h.handleIndex)
	r.Get("/overlay-config.js", h.handleOverlayConfig)
	r.Get("/web/*", h.handleWeb)
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/dev/overlay-visibility", h.handleOverlayVisibility)

	// External browser sources load assets cross-origin
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
		r.Get("/assets/*", h.handleAsset)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})

	return r
}
