package session

import (
	"sync"
	"testing"
	"time"

	"better-planetside/internal/census"
)

type orderSink struct {
	mu   sync.Mutex
	seen []string
}

func (s *orderSink) Handle(ev census.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ev.CharacterID)
}

func (s *orderSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

// TestQueuePreservesOrder checks the single worker delivers in arrival order
func TestQueuePreservesOrder(t *testing.T) {
	sink := &orderSink{}
	q := NewQueue(sink, 64)
	q.Start()

	for _, id := range []string{"a", "b", "c", "d"} {
		if !q.Enqueue(census.Event{Kind: census.KindLogin, CharacterID: id}) {
			t.Fatalf("Enqueue %s failed", id)
		}
	}
	q.Stop()

	got := sink.ids()
	if len(got) != 4 || got[0] != "a" || got[3] != "d" {
		t.Errorf("Expected a,b,c,d in order, got %v", got)
	}
	stats := q.Stats()
	if stats.Processed != 4 || stats.Dropped != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// TestQueueDropsWhenFull checks a full queue drops instead of blocking
func TestQueueDropsWhenFull(t *testing.T) {
	sink := &orderSink{}
	q := NewQueue(sink, 1)

	if !q.Enqueue(census.Event{CharacterID: "a"}) {
		t.Fatal("First enqueue should succeed")
	}

	done := make(chan bool)
	go func() { done <- q.Enqueue(census.Event{CharacterID: "b"}) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Second enqueue should be dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	if q.Stats().Dropped != 1 {
		t.Errorf("Expected 1 drop, got %d", q.Stats().Dropped)
	}
}

// TestQueueFeedsTracker checks the queue satisfies census.Sink end to end
func TestQueueFeedsTracker(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil)
	var sink census.Sink = NewQueue(tr, 16)
	q := sink.(*Queue)
	q.Start()

	sink.Handle(kill(me, 1, "201", 2, "80", false))
	q.Stop()

	if tr.Handled() != 1 {
		t.Errorf("Expected tracker to handle 1 event, got %d", tr.Handled())
	}
}
