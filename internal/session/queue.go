package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/census"
	"better-planetside/internal/metrics"
)

// Queue decouples the telemetry read loop from session bookkeeping. A single
// worker drains it so events reach the tracker in arrival order; when full,
// new events are dropped instead of stalling the read loop.
type Queue struct {
	events   chan queuedEvent
	sink     census.Sink
	wg       sync.WaitGroup
	running  atomic.Bool
	stopChan chan struct{}

	enqueued    atomic.Uint64
	processed   atomic.Uint64
	dropped     atomic.Uint64
	avgWaitTime atomic.Int64 // nanoseconds, exponential moving average
}

type queuedEvent struct {
	ev         census.Event
	receivedAt time.Time
}

// DefaultQueueSize is used when the configured size is not positive.
const DefaultQueueSize = 4096

// NewQueue creates a queue feeding sink.
func NewQueue(sink census.Sink, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		events:   make(chan queuedEvent, size),
		sink:     sink,
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker.
func (q *Queue) Start() {
	if q.running.Swap(true) {
		return
	}
	log.Printf("📊 Session queue started (buffer %d)", cap(q.events))
	q.wg.Add(1)
	go q.worker()
}

// Stop drains what is already queued, then stops the worker.
func (q *Queue) Stop() {
	if !q.running.Swap(false) {
		return
	}
	close(q.stopChan)
	q.wg.Wait()
	log.Printf("📊 Session queue stopped - enqueued: %d, processed: %d, dropped: %d",
		q.enqueued.Load(), q.processed.Load(), q.dropped.Load())
}

// Handle enqueues ev without blocking. It implements census.Sink.
func (q *Queue) Handle(ev census.Event) {
	q.Enqueue(ev)
}

// Enqueue returns false when the queue is full and ev was dropped.
func (q *Queue) Enqueue(ev census.Event) bool {
	select {
	case q.events <- queuedEvent{ev: ev, receivedAt: time.Now()}:
		q.enqueued.Add(1)
		return true
	default:
		n := q.dropped.Add(1)
		metrics.SessionDropped()
		if n%100 == 1 {
			log.Printf("⚠️ Session queue full, dropped %s event (total dropped: %d)", ev.Kind, n)
		}
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopChan:
			for {
				select {
				case item := <-q.events:
					q.process(item)
				default:
					return
				}
			}
		case item := <-q.events:
			q.process(item)
		}
	}
}

func (q *Queue) process(item queuedEvent) {
	wait := time.Since(item.receivedAt)
	current := q.avgWaitTime.Load()
	q.avgWaitTime.Store((current*9 + wait.Nanoseconds()) / 10)
	if wait > 100*time.Millisecond {
		log.Printf("⚠️ %s event waited %.1fms in session queue", item.ev.Kind, float64(wait.Microseconds())/1000)
	}
	q.sink.Handle(item.ev)
	q.processed.Add(1)
}

// QueueStats holds queue counters.
type QueueStats struct {
	Enqueued      uint64  `json:"enqueued"`
	Processed     uint64  `json:"processed"`
	Dropped       uint64  `json:"dropped"`
	Pending       int     `json:"pending"`
	BufferSize    int     `json:"buffer_size"`
	AvgWaitTimeMs float64 `json:"avg_wait_time_ms"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:      q.enqueued.Load(),
		Processed:     q.processed.Load(),
		Dropped:       q.dropped.Load(),
		Pending:       len(q.events),
		BufferSize:    cap(q.events),
		AvgWaitTimeMs: float64(q.avgWaitTime.Load()) / 1e6,
	}
}
