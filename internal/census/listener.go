package census

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/config"
	"better-planetside/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// HandshakeTimeout bounds a single upstream dial
	HandshakeTimeout = 10 * time.Second

	// PingInterval for keep-alive
	PingInterval = 30 * time.Second
)

// Sink receives filtered events in arrival order. Handle must not block for
// long; the session queue drops rather than stalls.
type Sink interface {
	Handle(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Handle(ev Event) { f(ev) }

// Stats is a snapshot of listener counters.
type Stats struct {
	Connected  bool
	Frames     uint64
	Events     uint64
	Duplicates uint64
	Filtered   uint64
	Malformed  uint64
	Reconnects uint64
	World      int
}

// Listener keeps one subscription to the upstream event stream alive and
// forwards filtered events to its sink.
type Listener struct {
	cfg    config.TelemetryConfig
	sink   Sink
	dialer websocket.Dialer

	world     atomic.Int64
	trackedMu sync.RWMutex
	tracked   map[string]bool

	// seen is only touched by the read loop
	seen *fifoSet

	reconnect chan struct{}
	connected atomic.Bool

	frames     atomic.Uint64
	events     atomic.Uint64
	duplicates atomic.Uint64
	filtered   atomic.Uint64
	malformed  atomic.Uint64
	reconnects atomic.Uint64

	logMalformed rate.Sometimes
	logDrop      rate.Sometimes
}

// NewListener creates a listener. Nothing connects until Run.
func NewListener(cfg config.TelemetryConfig, sink Sink) *Listener {
	l := &Listener{
		cfg:          cfg,
		sink:         sink,
		dialer:       websocket.Dialer{HandshakeTimeout: HandshakeTimeout},
		tracked:      make(map[string]bool),
		seen:         newFIFOSet(IdentityWindow),
		reconnect:    make(chan struct{}, 1),
		logMalformed: rate.Sometimes{First: 3, Interval: 30 * time.Second},
		logDrop:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	l.world.Store(int64(cfg.SelectedWorld))
	return l
}

// SelectWorld changes the world filter. 0 disables filtering.
func (l *Listener) SelectWorld(id int) {
	if prev := l.world.Swap(int64(id)); prev != int64(id) {
		log.Printf("🌍 World filter: %d", id)
	}
}

// World returns the selected world id.
func (l *Listener) World() int { return int(l.world.Load()) }

// TrackCharacters replaces the set of characters whose login/logout always
// pass the world filter.
func (l *Listener) TrackCharacters(ids []string) {
	tracked := make(map[string]bool, len(ids))
	for _, id := range ids {
		tracked[id] = true
	}
	l.trackedMu.Lock()
	l.tracked = tracked
	l.trackedMu.Unlock()
}

func (l *Listener) isTracked(id string) bool {
	l.trackedMu.RLock()
	defer l.trackedMu.RUnlock()
	return l.tracked[id]
}

// Reconnect drops the current connection; Run re-dials and re-subscribes.
func (l *Listener) Reconnect() {
	select {
	case l.reconnect <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Connected:  l.connected.Load(),
		Frames:     l.frames.Load(),
		Events:     l.events.Load(),
		Duplicates: l.duplicates.Load(),
		Filtered:   l.filtered.Load(),
		Malformed:  l.malformed.Load(),
		Reconnects: l.reconnects.Load(),
		World:      l.World(),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with a
// bounded exponential backoff after every failure. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BackoffInitial
	bo.MaxInterval = l.cfg.BackoffMax

	for {
		err := l.session(ctx, bo)
		l.connected.Store(false)
		if ctx.Err() != nil {
			log.Println("🔌 Telemetry listener shutting down")
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		if wait <= 0 || wait > l.cfg.BackoffMax {
			wait = l.cfg.BackoffMax
		}
		l.reconnects.Add(1)
		metrics.CensusReconnect()
		l.logDrop.Do(func() {
			log.Printf("⚠️ Telemetry connection lost (%v), reconnecting in %s", err, wait.Round(time.Millisecond))
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// errReconnectRequested ends a session on Reconnect().
var errReconnectRequested = errors.New("reconnect requested")

func (l *Listener) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, _, err := l.dialer.DialContext(ctx, l.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(l.subscribeFrame()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	bo.Reset()
	l.connected.Store(true)
	log.Printf("✅ Telemetry subscribed (worlds %v)", l.cfg.Worlds)

	// Closing the conn unblocks ReadMessage on cancel or reconnect.
	var requested atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-l.reconnect:
				requested.Store(true)
				conn.Close()
				return
			case <-ping.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		if l.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if requested.Load() {
				return errReconnectRequested
			}
			return fmt.Errorf("read: %w", err)
		}
		l.handleFrame(msg)
	}
}

func (l *Listener) endpoint() string {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return l.cfg.URL
	}
	q := u.Query()
	if q.Get("environment") == "" {
		q.Set("environment", "ps2")
	}
	if q.Get("service-id") == "" && l.cfg.ServiceID != "" {
		q.Set("service-id", "s:"+l.cfg.ServiceID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type subscribeFrame struct {
	Service    string   `json:"service"`
	Action     string   `json:"action"`
	Characters []string `json:"characters"`
	Worlds     []string `json:"worlds"`
	EventNames []string `json:"eventNames"`
}

func (l *Listener) subscribeFrame() subscribeFrame {
	worlds := l.cfg.Worlds
	if len(worlds) == 0 {
		worlds = []string{"all"}
	}
	return subscribeFrame{
		Service:    "event",
		Action:     "subscribe",
		Characters: []string{"all"},
		Worlds:     worlds,
		EventNames: EventNames,
	}
}

// handleFrame parses, de-duplicates and world-filters one frame.
func (l *Listener) handleFrame(frame []byte) {
	l.frames.Add(1)
	ev, ok, err := ParseFrame(frame)
	if err != nil {
		l.malformed.Add(1)
		metrics.CensusMalformed()
		l.logMalformed.Do(func() {
			log.Printf("⚠️ Dropping malformed telemetry frame (%d bytes)", len(frame))
		})
		return
	}
	if !ok {
		return
	}

	if l.seen.seenOrAdd(ev.IdentityKey()) {
		l.duplicates.Add(1)
		metrics.CensusEvent("duplicate")
		return
	}

	if (ev.Kind == KindLogin || ev.Kind == KindLogout) && l.isTracked(ev.CharacterID) {
		if ev.Kind == KindLogin && ev.WorldID != 0 {
			l.SelectWorld(ev.WorldID)
		}
		l.deliver(ev)
		return
	}

	if world := l.World(); world != 0 && ev.WorldID != 0 && ev.WorldID != world {
		l.filtered.Add(1)
		metrics.CensusEvent("world_filtered")
		return
	}
	l.deliver(ev)
}

func (l *Listener) deliver(ev Event) {
	l.events.Add(1)
	metrics.CensusEvent("accepted")
	if l.sink != nil {
		l.sink.Handle(ev)
	}
}
