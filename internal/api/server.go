package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"better-planetside/internal/config"

	"github.com/go-chi/chi/v5"
)

// Server owns the two loopback responders: the HTTP responder (overlay
// document, bootstrap config, assets) and the WebSocket responder feeding
// subscribers. They always bind different ports.
type Server struct {
	cfg     config.ServerConfig
	router  *chi.Mux
	hub     *Hub
	limiter *ClientLimiter

	mu       sync.Mutex
	httpSrv  *http.Server
	wsSrv    *http.Server
	httpPort int
	wsPort   int
	hubDone  chan struct{}
}

// NewServer creates the transport for pipeline.
//
// IMPORTANT: No listeners are opened and no goroutines run until Start.
// Use Router() with httptest for HTTP-only tests.
func NewServer(cfg config.ServerConfig, pipeline Pipeline) *Server {
	s := &Server{cfg: cfg}
	s.limiter = NewClientLimiter(DefaultClientLimits)
	s.hub = NewHub(pipeline.ReplayFrames)
	s.router = NewRouter(RouterConfig{
		Pipeline:  pipeline,
		WSPort:    s.WSPort,
		WebRoot:   cfg.WebRoot,
		AssetRoot: cfg.AssetRoot,
		Limiter:   s.limiter,
	})
	return s
}

// Hub returns the subscriber hub; hand it to the broadcast core as its sink.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler { return s.router }

// Start binds both listeners and starts serving plus the hub executor. The
// hub stops when ctx is cancelled; call Shutdown to close the listeners.
func (s *Server) Start(ctx context.Context) error {
	httpLn, err := Listen(s.cfg.Host, s.cfg.HTTPPort, s.cfg.PortSearch)
	if err != nil {
		return fmt.Errorf("http listener: %w", err)
	}
	httpPort := PortOf(httpLn)

	wsLn, err := Listen(s.cfg.Host, s.cfg.WSPort, s.cfg.PortSearch, httpPort)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("websocket listener: %w", err)
	}
	wsPort := PortOf(wsLn)

	s.mu.Lock()
	s.httpPort, s.wsPort = httpPort, wsPort
	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.wsSrv = &http.Server{Handler: http.HandlerFunc(s.hub.HandleWebSocket), ReadHeaderTimeout: 10 * time.Second}
	s.hubDone = make(chan struct{})
	httpSrv, wsSrv, hubDone := s.httpSrv, s.wsSrv, s.hubDone
	s.mu.Unlock()

	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()
	go serve(httpSrv, httpLn, "HTTP")
	go serve(wsSrv, wsLn, "WebSocket")

	if httpPort != s.cfg.HTTPPort && s.cfg.HTTPPort != 0 {
		log.Printf("⚠️ HTTP port %d busy, using %d", s.cfg.HTTPPort, httpPort)
	}
	if wsPort != s.cfg.WSPort && s.cfg.WSPort != 0 {
		log.Printf("⚠️ WebSocket port %d busy, using %d", s.cfg.WSPort, wsPort)
	}
	log.Printf("🌐 Overlay: http://%s", net.JoinHostPort(s.cfg.Host, fmt.Sprint(httpPort)))
	log.Printf("🔌 Subscribers: ws://%s%s", net.JoinHostPort(s.cfg.Host, fmt.Sprint(wsPort)), SubscribePath)
	return nil
}

func serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("❌ %s responder stopped: %v", name, err)
	}
}

// Shutdown closes both listeners and waits for the hub executor to drain.
// The hub only drains once the Start context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, wsSrv, hubDone := s.httpSrv, s.wsSrv, s.hubDone
	s.mu.Unlock()

	if httpSrv == nil {
		return nil
	}

	var errs []error
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Hijacked WebSocket connections are not tracked by Shutdown; the hub
	// closes them.
	if err := wsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}
	select {
	case <-hubDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("hub drain: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Ports returns the bound HTTP and WebSocket ports (0 before Start).
func (s *Server) Ports() (httpPort, wsPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpPort, s.wsPort
}

// WSPort returns the bound WebSocket port (0 before Start).
func (s *Server) WSPort() int {
	_, ws := s.Ports()
	return ws
}
