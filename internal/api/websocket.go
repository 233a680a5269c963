package api

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// SubscribePath is the only WebSocket path accepted
	SubscribePath = "/better_planetside"

	// MaxWSConnectionsPerIP bounds subscribers from one address
	MaxWSConnectionsPerIP = 32

	// wsWriteTimeout bounds a single frame write to one subscriber
	wsWriteTimeout = 5 * time.Second

	// broadcastBuffer lets the flush loop run ahead of a slow executor
	broadcastBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser sources (OBS) send null or file:// origins; the listener is
	// loopback-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	ip   string
}

// Hub fans flush frames out to subscribers. A single executor goroutine
// (Run) owns the subscriber set; joins, leaves and broadcasts are all
// serialized through it so each subscriber sees frames in flush order.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan [][]byte
	done       chan struct{}

	replay func() [][]byte
	count  atomic.Int64

	gate *subscriberGate
}

// NewHub creates a hub. replay supplies the frames a new subscriber receives
// before it joins the fan-out set; it may be nil.
func NewHub(replay func() [][]byte) *Hub {
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan [][]byte, broadcastBuffer),
		done:       make(chan struct{}),
		replay:     replay,
		gate:       newSubscriberGate(MaxWSConnectionsPerIP),
	}
}

// Run is the transport executor. It returns after ctx is cancelled, once
// queued broadcasts are drained and every subscriber is closed.
func (h *Hub) Run(ctx context.Context) {
	subs := make(map[*subscriber]struct{})

	remove := func(s *subscriber) {
		if _, ok := subs[s]; !ok {
			return
		}
		delete(subs, s)
		s.conn.Close()
		h.gate.release(s.ip)
		h.count.Store(int64(len(subs)))
		UpdateWSConnections(len(subs))
		log.Printf("📱 Subscriber %s left (%d remaining)", s.ip, len(subs))
	}

	send := func(s *subscriber, frames [][]byte) bool {
		for _, f := range frames {
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return false
			}
			IncrementWSMessages()
		}
		return true
	}

	fanOut := func(frames [][]byte) {
		for s := range subs {
			if !send(s, frames) {
				remove(s)
			}
		}
	}

	for {
		select {
		case s := <-h.register:
			var frames [][]byte
			if h.replay != nil {
				frames = h.replay()
			}
			if !send(s, frames) {
				s.conn.Close()
				h.gate.release(s.ip)
				continue
			}
			subs[s] = struct{}{}
			h.count.Store(int64(len(subs)))
			UpdateWSConnections(len(subs))
			log.Printf("📱 Subscriber %s joined with %d replay frames (%d total)", s.ip, len(frames), len(subs))

		case s := <-h.unregister:
			remove(s)

		case frames := <-h.broadcast:
			fanOut(frames)

		case <-ctx.Done():
			close(h.done)
		drain:
			for {
				select {
				case frames := <-h.broadcast:
					fanOut(frames)
				default:
					break drain
				}
			}
			for s := range subs {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(time.Second))
				remove(s)
			}
			return
		}
	}
}

// Broadcast hands frames to the executor. It blocks only when the executor
// is behind by more than the buffer; after shutdown frames are discarded.
func (h *Hub) Broadcast(frames [][]byte) {
	select {
	case h.broadcast <- frames:
	case <-h.done:
	}
}

// ClientCount returns the number of joined subscribers
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// HandleWebSocket upgrades a subscriber connection. Any path other than
// SubscribePath is closed with 1008 (policy violation).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteAddr(r)

	if !h.gate.acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket upgrade error: %v", err)
		h.gate.release(ip)
		return
	}

	if r.URL.Path != SubscribePath {
		RecordConnectionRejected("path")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown path"),
			time.Now().Add(time.Second))
		conn.Close()
		h.gate.release(ip)
		return
	}

	s := &subscriber{conn: conn, ip: ip}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		h.gate.release(ip)
		return
	}

	// Subscribers never send anything meaningful; reading detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case h.unregister <- s:
	case <-h.done:
	}
}
