package envelope

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// stateTypes coalesce last-write-wins and are replayed to late joiners.
var stateTypes = map[string]bool{
	"stats":                    true,
	"streak":                   true,
	"crosshair":                true,
	"feed_config":              true,
	"scifi_mode":               true,
	"overlay_visibility":       true,
	"perf_debug_mode":          true,
	"perf_target_fps":          true,
	"perf_pipeline_tuning":     true,
	"perf_ws_batching_mode":    true,
	"perf_event_pipeline_mode": true,
	"perf_js_scheduler_mode":   true,
}

// criticalEvents are gameplay sub-types of "event" that must never be
// displaced by cosmetics or deduplicated.
var criticalEvents = map[string]bool{
	"kill":         true,
	"death":        true,
	"headshot":     true,
	"revive taken": true,
	"alert win":    true,
	"alert end":    true,
}

// IsStateType reports whether t coalesces on the state lane.
func IsStateType(t string) bool {
	return stateTypes[NormalizeType(t)]
}

// Classify derives the lane of an envelope. The result is always one of the
// four lanes; unknown types land on the normal lane.
func Classify(typ string, payload map[string]any) Lane {
	typ = NormalizeType(typ)
	if stateTypes[typ] {
		return LaneState
	}
	switch typ {
	case "hitmarker", "crosshair_recoil":
		return LaneCosmetic
	case "event":
		sub := SubEventType(payload)
		if strings.Contains(sub, "hitmarker") {
			return LaneCosmetic
		}
		if criticalEvents[sub] {
			return LaneCritical
		}
	}
	return LaneNormal
}

func isHitmarker(typ string, payload map[string]any) bool {
	if typ == "hitmarker" {
		return true
	}
	return typ == "event" && strings.Contains(SubEventType(payload), "hitmarker")
}

// DefaultDedupeKey derives the dedupe key used when the producer did not
// supply one. Critical envelopes still carry a key; the core ignores it.
func DefaultDedupeKey(typ string, payload map[string]any) string {
	switch typ {
	case "hitmarker", "event":
		filename, _ := payload["filename"].(string)
		return typ + ":" + SubEventType(payload) + ":" + filename
	case "feed":
		html, _ := payload["html"].(string)
		return "feed:" + HashBody(html)
	}
	return ""
}

// HashBody returns a short stable hash of an opaque HTML body.
func HashBody(body string) string {
	return strconv.FormatUint(xxhash.Sum64String(body), 16)
}
