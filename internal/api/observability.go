package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"better-planetside/internal/broadcast"
	"better-planetside/internal/envelope"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-character labels)
var (
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hud_connection_rejected_total",
		Help: "Connections rejected by rate limiter or path check",
	}, []string{"reason"}) // Bounded: "rate_limit", "ws_ip_limit", "path"

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hud_websocket_subscribers",
		Help: "Currently joined WebSocket subscribers",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hud_websocket_frames_sent_total",
		Help: "Total frames written to subscribers",
	})
)

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	ListenAddr    string // Loopback only unless ALLOW_DEBUG_EXTERNAL=true
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DebugServer serves pprof, /metrics and /health.
type DebugServer struct {
	srv *http.Server
	ln  net.Listener
}

// StartDebugServer starts the observability server. Collectors passed in
// (the pipeline collector) are registered on a private registry and merged
// with the default one on /metrics. An empty ListenAddr disables it.
func StartDebugServer(cfg ObservabilityConfig, collectors ...prometheus.Collector) (*DebugServer, error) {
	if cfg.ListenAddr == "" {
		log.Println("📊 Debug server disabled")
		return nil, nil
	}

	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); (ip == nil || !ip.IsLoopback()) && host != "localhost" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, registry},
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	d := &DebugServer{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}
	go func() {
		log.Printf("📊 Debug server starting on %s", ln.Addr())
		log.Printf("   - pprof:   http://%s/debug/pprof/", ln.Addr())
		log.Printf("   - metrics: http://%s/metrics", ln.Addr())
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()
	return d, nil
}

// Addr returns the bound address.
func (d *DebugServer) Addr() string { return d.ln.Addr().String() }

// Shutdown stops the debug server. Safe on a nil receiver.
func (d *DebugServer) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	return d.srv.Shutdown(ctx)
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Pipeline collector
// =============================================================================

type pipelineMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m broadcast.Metrics) float64
}

// pipelineCollector exports a broadcast core snapshot on every scrape.
type pipelineCollector struct {
	snapshot func() broadcast.Metrics
	metrics  []pipelineMetric
	laneIn   *prometheus.Desc
	laneOut  *prometheus.Desc
}

// NewPipelineCollector exposes the broadcast counters read through snapshot.
func NewPipelineCollector(snapshot func() broadcast.Metrics) prometheus.Collector {
	counter := func(name, help string, v func(m broadcast.Metrics) uint64) pipelineMetric {
		return pipelineMetric{
			desc:  prometheus.NewDesc("hud_pipeline_"+name, help, nil, nil),
			kind:  prometheus.CounterValue,
			value: func(m broadcast.Metrics) float64 { return float64(v(m)) },
		}
	}
	gauge := func(name, help string, v func(m broadcast.Metrics) int) pipelineMetric {
		return pipelineMetric{
			desc:  prometheus.NewDesc("hud_pipeline_"+name, help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: func(m broadcast.Metrics) float64 { return float64(v(m)) },
		}
	}

	return &pipelineCollector{
		snapshot: snapshot,
		laneIn:   prometheus.NewDesc("hud_pipeline_events_in_total", "Envelopes admitted per lane", []string{"lane"}, nil),
		laneOut:  prometheus.NewDesc("hud_pipeline_events_out_total", "Envelopes flushed per lane", []string{"lane"}, nil),
		metrics: []pipelineMetric{
			counter("flush_total", "Flushes that sent at least one envelope", func(m broadcast.Metrics) uint64 { return m.FlushCount }),
			counter("batch_flush_total", "Flushes sent as one batch frame", func(m broadcast.Metrics) uint64 { return m.BatchFlushCount }),
			counter("legacy_flush_total", "Flushes sent one frame per envelope", func(m broadcast.Metrics) uint64 { return m.LegacyFlushCount }),
			counter("frames_out_total", "Frames handed to the transport", func(m broadcast.Metrics) uint64 { return m.FramesOutTotal }),
			counter("coalesce_replaced_total", "Pending state envelopes overwritten", func(m broadcast.Metrics) uint64 { return m.CoalesceReplaced }),
			counter("deduped_total", "Transients dropped as duplicates", func(m broadcast.Metrics) uint64 { return m.DedupedTotal }),
			counter("dropped_total", "Envelopes dropped by any policy", func(m broadcast.Metrics) uint64 { return m.DroppedTotal }),
			counter("dropped_transient_overflow_total", "Transients dropped or evicted on overflow", func(m broadcast.Metrics) uint64 { return m.DroppedTransientOverflow }),
			counter("dropped_cosmetic_total", "Cosmetic envelopes dropped", func(m broadcast.Metrics) uint64 { return m.DroppedCosmeticTotal }),
			counter("dropped_normal_total", "Normal envelopes dropped", func(m broadcast.Metrics) uint64 { return m.DroppedNormalTotal }),
			counter("dropped_critical_total", "Critical envelopes dropped", func(m broadcast.Metrics) uint64 { return m.DroppedCriticalTotal }),
			counter("expired_total", "Transients past their ttl at flush", func(m broadcast.Metrics) uint64 { return m.ExpiredTotal }),
			counter("bypassed_total", "Envelopes sent immediately in bypass mode", func(m broadcast.Metrics) uint64 { return m.BypassedTotal }),
			gauge("last_flush_size", "Envelopes in the last flush", func(m broadcast.Metrics) int { return m.LastFlushSize }),
			gauge("pending_state", "Pending state envelopes", func(m broadcast.Metrics) int { return m.PendingState }),
			gauge("pending_transient", "Pending transient envelopes", func(m broadcast.Metrics) int { return m.PendingTransient }),
			gauge("max_pending_transient", "High watermark of pending transients", func(m broadcast.Metrics) int { return m.MaxPendingTransient }),
			gauge("target_fps", "Effective flush rate", func(m broadcast.Metrics) int { return m.Tuning.TargetFPS }),
			gauge("max_transient_pending", "Effective transient queue cap", func(m broadcast.Metrics) int { return m.Tuning.MaxTransientPending }),
		},
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.laneIn
	ch <- c.laneOut
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	for _, l := range envelope.Lanes {
		ch <- prometheus.MustNewConstMetric(c.laneIn, prometheus.CounterValue, float64(snap.In(l)), string(l))
		ch <- prometheus.MustNewConstMetric(c.laneOut, prometheus.CounterValue, float64(snap.Out(l)), string(l))
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}

// =============================================================================
// Recorders
// =============================================================================

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "ws_ip_limit", "path"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// UpdateWSConnections updates the subscriber gauge
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages counts one frame written to one subscriber
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
