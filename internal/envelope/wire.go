package envelope

import "encoding/json"

// BatchKind tags a batched flush frame.
const BatchKind = "batch"

// Wire is the subscriber-facing form of an envelope.
type Wire struct {
	Category string         `json:"category"`
	Data     map[string]any `json:"data"`
	Meta     *WireMeta      `json:"meta,omitempty"`
}

// WireMeta carries pipeline metadata alongside the payload.
type WireMeta struct {
	Seq uint64 `json:"seq"`
	V2  WireV2 `json:"v2"`
}

// WireV2 mirrors the derived envelope fields.
type WireV2 struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Priority    int    `json:"priority"`
	CoalesceKey string `json:"coalesce_key"`
	DedupeKey   string `json:"dedupe_key"`
}

// Batch is one flush frame in batch mode.
type Batch struct {
	Kind     string `json:"kind"`
	TickTsMs int64  `json:"tick_ts_ms"`
	Events   []Wire `json:"events"`
}

// Wire converts the envelope to its subscriber-facing form.
func (e Envelope) Wire() Wire {
	data := e.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Wire{
		Category: e.Type,
		Data:     data,
		Meta: &WireMeta{
			Seq: e.Seq,
			V2: WireV2{
				ID:          e.ID,
				Category:    e.Type,
				Priority:    e.Priority,
				CoalesceKey: e.CoalesceKey,
				DedupeKey:   e.DedupeKey,
			},
		},
	}
}

// EncodeOne marshals a single legacy-mode frame.
func EncodeOne(e Envelope) ([]byte, error) {
	return json.Marshal(e.Wire())
}

// EncodeBatch marshals a batch-mode frame.
func EncodeBatch(tickMs int64, envs []Envelope) ([]byte, error) {
	b := Batch{Kind: BatchKind, TickTsMs: tickMs, Events: make([]Wire, 0, len(envs))}
	for _, e := range envs {
		b.Events = append(b.Events, e.Wire())
	}
	return json.Marshal(b)
}
