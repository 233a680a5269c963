// Package broadcast is the admission, policy and fan-out core of the overlay
// pipeline. Envelopes are classified into lanes, filtered (coalesce, dedupe,
// caps, make-room eviction), drained on a tick paced by the target FPS, and
// handed to a Sink as encoded frames. The last state envelope per type is
// kept in a replay cache for late joiners.
package broadcast

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/config"
	"better-planetside/internal/envelope"

	"github.com/google/uuid"
)

// ErrStopped is returned by Run once its context is cancelled.
var ErrStopped = errors.New("broadcast core stopped")

const (
	// MetricsInterval is the minimum spacing between perf_stats envelopes
	MetricsInterval = 1000 * time.Millisecond

	// MetricsType is the envelope type of the in-band metrics snapshot
	MetricsType = "perf_stats"

	// dedupePruneThreshold triggers opportunistic pruning of recentDedupe
	dedupePruneThreshold = 2048

	// minDedupeRetentionMs is the floor for recentDedupe entry age
	minDedupeRetentionMs = 5000
)

// Sink receives encoded frames in flush order. Implementations must not
// call back into the core.
type Sink interface {
	Broadcast(frames [][]byte)
}

// Tracer observes every admitted envelope. Record must not block.
type Tracer interface {
	Record(env envelope.Envelope)
}

// Options configures a Core.
type Options struct {
	Pipeline config.PipelineConfig
	Sink     Sink
	Tracer   Tracer
	// Now overrides the wall clock (tests).
	Now func() time.Time
}

type pendingItem struct {
	env       envelope.Envelope
	lane      envelope.Lane
	dedupeKey string
}

// Core owns the pending queues, the replay cache and the dedupe map. All of
// them are guarded by mu; no I/O happens while mu is held.
type Core struct {
	mu               sync.Mutex
	tuning           Tuning
	pendingState     orderedEnvelopes
	pendingTransient []pendingItem
	cosmeticPending  int
	replay           orderedEnvelopes
	recentDedupe     map[string]int64
	m                Metrics
	flushScheduled   bool
	lastMetricsMs    int64

	// sendMu serializes snapshot+send so frames leave in flush order
	sendMu sync.Mutex

	sink   Sink
	tracer Tracer
	now    func() time.Time
	seq    atomic.Uint64
	wake   chan struct{}
}

// New creates a core. Nothing runs until Run is called; Flush may be driven
// manually (tests, trace replay).
func New(opts Options) *Core {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Core{
		pendingState: newOrderedEnvelopes(),
		replay:       newOrderedEnvelopes(),
		recentDedupe: make(map[string]int64),
		sink:         opts.Sink,
		tracer:       opts.Tracer,
		now:          now,
		wake:         make(chan struct{}, 1),
	}
	c.tuning = tuningFrom(opts.Pipeline)
	c.lastMetricsMs = -MetricsInterval.Milliseconds()
	return c
}

func tuningFrom(p config.PipelineConfig) Tuning {
	if p.TargetFPS == 0 && p.MaxTransientPending == 0 {
		p = config.DefaultPipeline()
	}
	p = p.Clamped()
	return Tuning{
		TargetFPS:           p.TargetFPS,
		DedupeWindowMs:      p.DedupeWindowMs,
		MaxTransientPending: p.MaxTransientPending,
		MaxCosmeticPending:  CosmeticCap(p.MaxTransientPending),
		BatchMode:           p.BatchMode,
		EventPipelineV2:     p.EventPipelineV2,
		JSSchedulerV2:       p.JSSchedulerV2,
		PerfDebug:           p.PerfDebug,
	}
}

// CosmeticCap derives the cosmetic share of the transient queue.
func CosmeticCap(maxTransient int) int {
	return config.ClampInt(maxTransient/6, 16, 256)
}

// SetSink replaces the frame sink. Call before Run.
func (c *Core) SetSink(s Sink) {
	c.sendMu.Lock()
	c.sink = s
	c.sendMu.Unlock()
}

// SetTracer replaces the admission tracer. Call before Run.
func (c *Core) SetTracer(t Tracer) {
	c.mu.Lock()
	c.tracer = t
	c.mu.Unlock()
}

func (c *Core) nowMs() int64 { return c.now().UnixMilli() }

// Publish normalizes (type, payload) into an envelope and admits it.
func (c *Core) Publish(typ string, payload map[string]any) bool {
	env := envelope.Normalize(envelope.Input{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Seq:       c.seq.Add(1),
		ArrivalMs: c.nowMs(),
	})
	return c.Admit(env)
}

// Admit runs the admission policy for one envelope and reports whether it
// was accepted into the pending queues (or sent, in bypass mode).
func (c *Core) Admit(env envelope.Envelope) bool {
	now := c.nowMs()
	env.TsServerRxMs = now
	if !env.Lane.Valid() {
		env.Lane = envelope.Classify(env.Type, env.Payload)
		env.Priority = env.Lane.Priority()
	}

	c.mu.Lock()
	c.m.EventsInTotal++
	c.m.EventsIn[laneIndex(env.Lane)]++
	if env.Lane == envelope.LaneState {
		c.applyKnobLocked(env)
	}
	tracer := c.tracer

	if !c.tuning.EventPipelineV2 {
		if env.Lane == envelope.LaneState {
			c.replay.put(env.Type, env)
		}
		c.m.BypassedTotal++
		c.mu.Unlock()
		if tracer != nil {
			tracer.Record(env)
		}
		if metricsEnv := c.sendNow(env); metricsEnv != nil {
			c.Admit(*metricsEnv)
		}
		return true
	}

	admitted := c.admitLocked(env, now)
	schedule := admitted && !c.flushScheduled
	if schedule {
		c.flushScheduled = true
	}
	c.mu.Unlock()

	if admitted && tracer != nil {
		tracer.Record(env)
	}
	if schedule {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return admitted
}

func (c *Core) admitLocked(env envelope.Envelope, now int64) bool {
	lane := env.Lane
	if lane == envelope.LaneState {
		c.replay.put(env.Type, env)
		if c.pendingState.put(env.Type, env) {
			c.m.CoalesceReplaced++
		}
		if n := c.pendingState.len(); n > c.m.MaxPendingState {
			c.m.MaxPendingState = n
		}
		return true
	}

	if env.DedupeKey != "" && lane != envelope.LaneCritical {
		key := string(lane) + ":" + env.DedupeKey
		last, seen := c.recentDedupe[key]
		c.recentDedupe[key] = now
		c.pruneDedupeLocked(now)
		if seen && now-last < int64(c.tuning.DedupeWindowMs) {
			c.m.DedupedTotal++
			c.m.DroppedTotal++
			return false
		}
	}

	if lane == envelope.LaneCosmetic && c.cosmeticPending >= c.tuning.MaxCosmeticPending {
		c.m.DroppedTotal++
		c.m.DroppedTransientOverflow++
		c.m.DroppedCosmeticTotal++
		return false
	}

	if len(c.pendingTransient) >= c.tuning.MaxTransientPending && !c.makeRoomLocked(lane) {
		c.m.DroppedTotal++
		c.m.DroppedTransientOverflow++
		c.countLaneDropLocked(lane)
		return false
	}

	c.pendingTransient = append(c.pendingTransient, pendingItem{env: env, lane: lane, dedupeKey: env.DedupeKey})
	if lane == envelope.LaneCosmetic {
		c.cosmeticPending++
	}
	if n := len(c.pendingTransient); n > c.m.MaxPendingTransient {
		c.m.MaxPendingTransient = n
	}
	return true
}

// makeRoomLocked evicts the oldest cosmetic, or for a critical arrival the
// oldest normal. Criticals never displace each other.
func (c *Core) makeRoomLocked(incoming envelope.Lane) bool {
	if c.evictOldestLocked(envelope.LaneCosmetic) {
		c.cosmeticPending--
		return true
	}
	if incoming == envelope.LaneCritical && c.evictOldestLocked(envelope.LaneNormal) {
		return true
	}
	return false
}

func (c *Core) evictOldestLocked(lane envelope.Lane) bool {
	for i, it := range c.pendingTransient {
		if it.lane != lane {
			continue
		}
		c.pendingTransient = append(c.pendingTransient[:i], c.pendingTransient[i+1:]...)
		c.m.DroppedTotal++
		c.m.DroppedTransientOverflow++
		c.countLaneDropLocked(lane)
		return true
	}
	return false
}

func (c *Core) countLaneDropLocked(lane envelope.Lane) {
	switch lane {
	case envelope.LaneCosmetic:
		c.m.DroppedCosmeticTotal++
	case envelope.LaneNormal:
		c.m.DroppedNormalTotal++
	case envelope.LaneCritical:
		c.m.DroppedCriticalTotal++
	}
}

func (c *Core) pruneDedupeLocked(now int64) {
	if len(c.recentDedupe) <= dedupePruneThreshold {
		return
	}
	maxAge := int64(c.tuning.DedupeWindowMs) * 8
	if maxAge < minDedupeRetentionMs {
		maxAge = minDedupeRetentionMs
	}
	for k, ts := range c.recentDedupe {
		if now-ts > maxAge {
			delete(c.recentDedupe, k)
		}
	}
}

// Flush drains both pending containers to the sink: state envelopes first
// (one per type, in first-insertion order), then transients in FIFO order.
// It returns the number of envelopes sent.
func (c *Core) Flush() int {
	sent, metricsEnv := c.flushOnce()
	if metricsEnv != nil {
		c.Admit(*metricsEnv)
	}
	return sent
}

func (c *Core) flushOnce() (int, *envelope.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	now := c.nowMs()
	out := c.pendingState.values()
	c.pendingState.reset()
	for _, it := range c.pendingTransient {
		if it.env.Expired(now) {
			c.m.ExpiredTotal++
			continue
		}
		out = append(out, it.env)
	}
	c.pendingTransient = nil
	c.cosmeticPending = 0
	c.flushScheduled = false

	batch := c.tuning.BatchMode
	if len(out) > 0 {
		for _, e := range out {
			c.m.EventsOutTotal++
			c.m.EventsOut[laneIndex(e.Lane)]++
		}
		c.m.FlushCount++
		c.m.LastFlushSize = len(out)
		if batch {
			c.m.BatchFlushCount++
			c.m.LastBatchSize = len(out)
		} else {
			c.m.LegacyFlushCount++
		}
	}

	metricsEnv := c.metricsDueLocked(now)
	sink := c.sink
	c.mu.Unlock()

	if len(out) == 0 {
		return 0, metricsEnv
	}
	frames, err := encodeFrames(now, out, batch)
	if err != nil {
		log.Printf("⚠️ Flush encode failed: %v", err)
		return 0, metricsEnv
	}
	c.deliver(sink, frames)
	return len(out), metricsEnv
}

// metricsDueLocked builds a perf_stats envelope when diagnostics are on and
// the last one is at least MetricsInterval old.
func (c *Core) metricsDueLocked(now int64) *envelope.Envelope {
	if !c.tuning.PerfDebug || now-c.lastMetricsMs < MetricsInterval.Milliseconds() {
		return nil
	}
	c.lastMetricsMs = now
	env := envelope.Normalize(envelope.Input{
		ID:        uuid.NewString(),
		Type:      MetricsType,
		Payload:   c.snapshotLocked().Map(),
		Seq:       c.seq.Add(1),
		ArrivalMs: now,
	})
	return &env
}

func encodeFrames(tickMs int64, envs []envelope.Envelope, batch bool) ([][]byte, error) {
	if batch {
		frame, err := envelope.EncodeBatch(tickMs, envs)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
	frames := make([][]byte, 0, len(envs))
	for _, e := range envs {
		frame, err := envelope.EncodeOne(e)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *Core) deliver(sink Sink, frames [][]byte) {
	if sink == nil || len(frames) == 0 {
		return
	}
	sink.Broadcast(frames)
	c.mu.Lock()
	c.m.FramesOutTotal += uint64(len(frames))
	c.mu.Unlock()
}

// sendNow is the bypass path used when the event pipeline is disabled. It
// returns a metrics envelope when one is due; the caller admits it.
func (c *Core) sendNow(env envelope.Envelope) *envelope.Envelope {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	now := c.nowMs()
	c.m.EventsOutTotal++
	c.m.EventsOut[laneIndex(env.Lane)]++
	batch := c.tuning.BatchMode
	sink := c.sink
	metricsEnv := c.metricsDueLocked(now)
	c.mu.Unlock()

	frames, err := encodeFrames(now, []envelope.Envelope{env}, batch)
	if err != nil {
		log.Printf("⚠️ Bypass encode failed: %v", err)
		return metricsEnv
	}
	c.deliver(sink, frames)
	return metricsEnv
}

// Run paces flushes at 1000/fps ms until ctx is cancelled. A final flush
// drains whatever is pending at shutdown.
func (c *Core) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	log.Printf("📡 Broadcast core running at %d FPS", c.Tuning().TargetFPS)

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			c.Flush()
			return ErrStopped
		case <-c.wake:
			if !armed {
				timer.Reset(c.interval())
				armed = true
			}
		case <-timer.C:
			armed = false
			c.Flush()
			if c.hasPending() {
				timer.Reset(c.interval())
				armed = true
			}
		}
	}
}

func (c *Core) interval() time.Duration {
	c.mu.Lock()
	fps := c.tuning.TargetFPS
	c.mu.Unlock()
	return time.Second / time.Duration(fps)
}

func (c *Core) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingState.len() > 0 || len(c.pendingTransient) > 0
}

// ReplayFrames encodes the replay cache for a newly joined subscriber:
// one batch frame in batch mode, otherwise one frame per state type.
func (c *Core) ReplayFrames() [][]byte {
	c.mu.Lock()
	states := c.replay.values()
	batch := c.tuning.BatchMode
	c.mu.Unlock()

	if len(states) == 0 {
		return nil
	}
	frames, err := encodeFrames(c.nowMs(), states, batch)
	if err != nil {
		log.Printf("⚠️ Replay encode failed: %v", err)
		return nil
	}
	return frames
}

// ReplayState returns the cached state envelopes in insertion order.
func (c *Core) ReplayState() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replay.values()
}

// Snapshot returns a consistent copy of every counter.
func (c *Core) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Core) snapshotLocked() Metrics {
	m := c.m
	m.PendingState = c.pendingState.len()
	m.PendingTransient = len(c.pendingTransient)
	m.PendingCosmetic = c.cosmeticPending
	m.Tuning = c.tuning
	return m
}

// Tuning returns the effective runtime configuration.
func (c *Core) Tuning() Tuning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tuning
}
