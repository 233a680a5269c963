package broadcast

import "better-planetside/internal/envelope"

// Tuning is the effective (clamped) runtime configuration of the core.
type Tuning struct {
	TargetFPS           int  `json:"target_fps"`
	DedupeWindowMs      int  `json:"dedupe_window_ms"`
	MaxTransientPending int  `json:"max_transient_pending_cfg"`
	MaxCosmeticPending  int  `json:"max_cosmetic_pending_cfg"`
	BatchMode           bool `json:"ws_batching_mode"`
	EventPipelineV2     bool `json:"event_pipeline_mode"`
	JSSchedulerV2       bool `json:"js_scheduler_mode"`
	PerfDebug           bool `json:"perf_debug_mode"`
}

// laneCount indexes per-lane counters.
const laneCount = 4

func laneIndex(l envelope.Lane) int {
	switch l {
	case envelope.LaneState:
		return 0
	case envelope.LaneCritical:
		return 1
	case envelope.LaneCosmetic:
		return 3
	default:
		return 2
	}
}

// Metrics is a point-in-time copy of the core counters.
type Metrics struct {
	EventsInTotal  uint64
	EventsOutTotal uint64
	EventsIn       [laneCount]uint64
	EventsOut      [laneCount]uint64

	FlushCount       uint64
	BatchFlushCount  uint64
	LegacyFlushCount uint64
	LastFlushSize    int
	LastBatchSize    int
	FramesOutTotal   uint64

	MaxPendingState     int
	MaxPendingTransient int
	PendingState        int
	PendingTransient    int
	PendingCosmetic     int

	CoalesceReplaced         uint64
	DedupedTotal             uint64
	DroppedTotal             uint64
	DroppedTransientOverflow uint64
	DroppedCosmeticTotal     uint64
	DroppedNormalTotal       uint64
	DroppedCriticalTotal     uint64
	ExpiredTotal             uint64
	BypassedTotal            uint64

	Tuning Tuning
}

// In returns the admitted count for a lane.
func (m Metrics) In(l envelope.Lane) uint64 { return m.EventsIn[laneIndex(l)] }

// Out returns the flushed count for a lane.
func (m Metrics) Out(l envelope.Lane) uint64 { return m.EventsOut[laneIndex(l)] }

// Map renders the counters as the perf_stats payload.
func (m Metrics) Map() map[string]any {
	out := map[string]any{
		"events_in_total":            m.EventsInTotal,
		"events_out_total":           m.EventsOutTotal,
		"flush_count":                m.FlushCount,
		"batch_flush_count":          m.BatchFlushCount,
		"legacy_flush_count":         m.LegacyFlushCount,
		"last_flush_size":            m.LastFlushSize,
		"last_batch_size":            m.LastBatchSize,
		"frames_out_total":           m.FramesOutTotal,
		"max_pending_state":          m.MaxPendingState,
		"max_pending_transient":      m.MaxPendingTransient,
		"pending_state":              m.PendingState,
		"pending_transient":          m.PendingTransient,
		"coalesce_replaced":          m.CoalesceReplaced,
		"deduped_total":              m.DedupedTotal,
		"dropped_total":              m.DroppedTotal,
		"dropped_transient_overflow": m.DroppedTransientOverflow,
		"dropped_cosmetic_total":     m.DroppedCosmeticTotal,
		"dropped_normal_total":       m.DroppedNormalTotal,
		"dropped_critical_total":     m.DroppedCriticalTotal,
		"expired_total":              m.ExpiredTotal,
		"events_bypassed_total":      m.BypassedTotal,
		"target_fps":                 m.Tuning.TargetFPS,
		"dedupe_window_ms":           m.Tuning.DedupeWindowMs,
		"max_transient_pending_cfg":  m.Tuning.MaxTransientPending,
		"max_cosmetic_pending_cfg":   m.Tuning.MaxCosmeticPending,
		"ws_batching_mode":           m.Tuning.BatchMode,
		"event_pipeline_mode":        m.Tuning.EventPipelineV2,
		"js_scheduler_mode":          m.Tuning.JSSchedulerV2,
		"perf_debug_mode":            m.Tuning.PerfDebug,
	}
	for _, l := range envelope.Lanes {
		out["events_in_"+string(l)] = m.In(l)
		out["events_out_"+string(l)] = m.Out(l)
	}
	return out
}
