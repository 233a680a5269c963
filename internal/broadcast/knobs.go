package broadcast

import (
	"log"

	"better-planetside/internal/config"
	"better-planetside/internal/envelope"
)

// applyKnobLocked applies administrative perf_* state envelopes. Values are
// clamped silently; the effective value is echoed in metrics.
func (c *Core) applyKnobLocked(env envelope.Envelope) {
	p := env.Payload
	switch env.Type {
	case "perf_debug_mode":
		if on, ok := envelope.BoolField(p, "enabled"); ok {
			c.tuning.PerfDebug = on
		}
	case "perf_target_fps":
		if fps, ok := envelope.Int64Field(p, "fps"); ok {
			c.tuning.TargetFPS = config.ClampInt(int(fps), config.MinTargetFPS, config.MaxTargetFPS)
		}
	case "perf_pipeline_tuning":
		if w, ok := envelope.Int64Field(p, "dedupe_window_ms"); ok {
			c.tuning.DedupeWindowMs = config.ClampInt(int(w), 0, config.MaxDedupeWindowMs)
		}
		if n, ok := envelope.Int64Field(p, "max_transient_pending"); ok {
			c.tuning.MaxTransientPending = config.ClampInt(int(n), config.MinTransientPending, config.MaxTransientPendingCap)
			c.tuning.MaxCosmeticPending = CosmeticCap(c.tuning.MaxTransientPending)
		}
	case "perf_ws_batching_mode":
		if on, ok := envelope.BoolField(p, "enabled"); ok {
			c.tuning.BatchMode = on
		}
	case "perf_event_pipeline_mode":
		if on, ok := envelope.BoolField(p, "enabled"); ok {
			if on != c.tuning.EventPipelineV2 {
				log.Printf("📡 Event pipeline v2 %s", onOff(on))
			}
			c.tuning.EventPipelineV2 = on
		}
	case "perf_js_scheduler_mode":
		if on, ok := envelope.BoolField(p, "enabled"); ok {
			c.tuning.JSSchedulerV2 = on
		}
	}
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
