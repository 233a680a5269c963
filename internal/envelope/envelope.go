// Package envelope maps every item entering the overlay pipeline into the
// canonical Envelope: lane, priority, coalesce/dedupe keys and timestamps.
//
// Normalize is a pure function: no I/O, no mutation of its input.
package envelope

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Lane classifies an envelope for the admission policy.
type Lane string

const (
	LaneState    Lane = "state"
	LaneCritical Lane = "critical"
	LaneNormal   Lane = "normal"
	LaneCosmetic Lane = "cosmetic"
)

// Lanes lists every lane in priority order (highest first).
var Lanes = []Lane{LaneState, LaneCritical, LaneNormal, LaneCosmetic}

// Priority returns the integer priority derived from the lane.
func (l Lane) Priority() int {
	switch l {
	case LaneState:
		return 100
	case LaneCritical:
		return 90
	case LaneCosmetic:
		return 30
	default:
		return 60
	}
}

// Valid reports whether l is one of the four lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneState, LaneCritical, LaneNormal, LaneCosmetic:
		return true
	}
	return false
}

// Envelope is the canonical in-pipeline record.
type Envelope struct {
	ID           string
	Type         string
	Lane         Lane
	Priority     int
	Seq          uint64
	TsSourceMs   int64
	TsServerRxMs int64
	TTLMs        int64
	CoalesceKey  string
	DedupeKey    string
	Payload      map[string]any
}

// Expired reports whether the envelope outlived its ttl at nowMs.
func (e Envelope) Expired(nowMs int64) bool {
	return e.TTLMs > 0 && nowMs-e.TsServerRxMs > e.TTLMs
}

// Input is everything Normalize needs. ArrivalMs stands in for any missing
// producer timestamp.
type Input struct {
	ID        string
	Type      string
	Payload   map[string]any
	Seq       uint64
	ArrivalMs int64
}

// Normalize builds the canonical envelope for one inbound item.
func Normalize(in Input) Envelope {
	typ := NormalizeType(in.Type)
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	lane := Classify(typ, payload)
	env := Envelope{
		ID:           in.ID,
		Type:         typ,
		Lane:         lane,
		Priority:     lane.Priority(),
		Seq:          in.Seq,
		TsSourceMs:   in.ArrivalMs,
		TsServerRxMs: in.ArrivalMs,
		Payload:      payload,
	}
	if env.ID == "" {
		env.ID = strconv.FormatInt(in.ArrivalMs, 36) + "-" + strconv.FormatUint(in.Seq, 36)
	}
	if ts, ok := Int64Field(payload, "ts_source_ms"); ok && ts > 0 {
		env.TsSourceMs = ts
	}
	if ttl, ok := Int64Field(payload, "ttl_ms"); ok && ttl > 0 {
		env.TTLMs = ttl
	}

	if lane == LaneState {
		env.CoalesceKey = typ
		env.DedupeKey = typ
		return env
	}
	if explicit, ok := payload["dedupe_key"].(string); ok {
		env.DedupeKey = explicit
	} else {
		env.DedupeKey = DefaultDedupeKey(typ, payload)
	}
	if lane == LaneCosmetic && isHitmarker(typ, payload) {
		env.DedupeKey = ""
	}
	return env
}

// NormalizeType lowercases and trims an envelope type.
func NormalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// SubEventType returns payload.event_type, lowercased.
func SubEventType(payload map[string]any) string {
	s, _ := payload["event_type"].(string)
	return strings.ToLower(strings.TrimSpace(s))
}

// Int64Field reads a numeric payload field regardless of how it was decoded.
func Int64Field(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// BoolField reads a boolean payload field, accepting 0/1 and "true"/"false".
func BoolField(payload map[string]any, key string) (bool, bool) {
	switch v := payload[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	if n, ok := Int64Field(payload, key); ok {
		return n != 0, true
	}
	return false, false
}
