package broadcast

import (
	"better-planetside/internal/envelope"

	"github.com/elliotchance/orderedmap/v3"
)

// orderedEnvelopes is a keyed container that remembers first-insertion
// order. Overwriting a key keeps its position (last-write-wins in place).
type orderedEnvelopes struct {
	m *orderedmap.OrderedMap[string, envelope.Envelope]
}

func newOrderedEnvelopes() orderedEnvelopes {
	return orderedEnvelopes{m: orderedmap.NewOrderedMap[string, envelope.Envelope]()}
}

// put stores env under key and reports whether a previous value was replaced.
func (o *orderedEnvelopes) put(key string, env envelope.Envelope) bool {
	return !o.m.Set(key, env)
}

func (o *orderedEnvelopes) len() int { return o.m.Len() }

// values returns the envelopes in insertion order.
func (o *orderedEnvelopes) values() []envelope.Envelope {
	out := make([]envelope.Envelope, 0, o.m.Len())
	for el := o.m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (o *orderedEnvelopes) reset() {
	o.m = orderedmap.NewOrderedMap[string, envelope.Envelope]()
}
