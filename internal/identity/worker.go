package identity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/config"
	"better-planetside/internal/metrics"
	"better-planetside/internal/storage/sqlite"

	"golang.org/x/time/rate"
)

// Store persists resolved identities.
type Store interface {
	UpsertPlayers(ctx context.Context, players []sqlite.Player) error
}

// Loader reads previously persisted identities.
type Loader interface {
	LoadPlayers(ctx context.Context) ([]sqlite.Player, error)
}

// Warm fills dir from the persistent cache and returns how many entries
// were loaded.
func Warm(ctx context.Context, dir *Directory, loader Loader) (int, error) {
	players, err := loader.LoadPlayers(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm directory: %w", err)
	}
	chars := make([]Character, 0, len(players))
	for _, p := range players {
		chars = append(chars, fromRecord(p))
	}
	dir.Put(chars...)
	return len(chars), nil
}

// Worker batches unknown ids and resolves them off the session path.
type Worker struct {
	cfg      config.IdentityConfig
	dir      *Directory
	resolver Resolver
	store    Store

	queue     chan string
	pendingMu sync.Mutex
	pending   map[string]struct{}

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	batches  atomic.Uint64
	resolved atomic.Uint64
	failed   atomic.Uint64

	logFail rate.Sometimes
}

// NewWorker creates a worker. store may be nil.
func NewWorker(cfg config.IdentityConfig, dir *Directory, resolver Resolver, store Store) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 30
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 750 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Worker{
		cfg:      cfg,
		dir:      dir,
		resolver: resolver,
		store:    store,
		queue:    make(chan string, cfg.QueueSize),
		pending:  make(map[string]struct{}),
		logFail:  rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Name reads through to the directory.
func (w *Worker) Name(id string) (string, bool) { return w.dir.Name(id) }

// Outfit reads through to the directory.
func (w *Worker) Outfit(id string) (string, bool) { return w.dir.Outfit(id) }

// Enqueue asks for id to be resolved. It never blocks; ids already known,
// already pending, or arriving while the queue is full are ignored.
func (w *Worker) Enqueue(id string) bool {
	if id == "" || id == "0" {
		return false
	}
	if _, ok := w.dir.Name(id); ok {
		return false
	}

	w.pendingMu.Lock()
	if _, ok := w.pending[id]; ok {
		w.pendingMu.Unlock()
		return false
	}
	w.pending[id] = struct{}{}
	w.pendingMu.Unlock()

	select {
	case w.queue <- id:
		w.enqueued.Add(1)
		return true
	default:
		w.release([]string{id})
		w.dropped.Add(1)
		return false
	}
}

func (w *Worker) release(ids []string) {
	w.pendingMu.Lock()
	for _, id := range ids {
		delete(w.pending, id)
	}
	w.pendingMu.Unlock()
}

// Run collects batches until ctx is cancelled. A batch is sent when it
// reaches BatchSize or BatchWait after its first id, whichever comes first.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("📡 Identity worker started (batch %d, wait %s)", w.cfg.BatchSize, w.cfg.BatchWait)
	for {
		var first string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first = <-w.queue:
		}

		batch := []string{first}
		timer := time.NewTimer(w.cfg.BatchWait)
	collect:
		for len(batch) < w.cfg.BatchSize {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case id := <-w.queue:
				batch = append(batch, id)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()
		w.flush(ctx, batch)
	}
}

func (w *Worker) flush(ctx context.Context, batch []string) {
	defer w.release(batch)
	w.batches.Add(1)

	rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	chars, err := w.resolver.Resolve(rctx, batch)
	if err != nil {
		w.failed.Add(1)
		metrics.IdentityBatch("error")
		w.logFail.Do(func() {
			log.Printf("⚠️ Identity batch of %d failed: %v", len(batch), err)
		})
		return
	}

	if w.store != nil && len(chars) > 0 {
		records := make([]sqlite.Player, 0, len(chars))
		for _, c := range chars {
			records = append(records, c.record())
		}
		if err := w.store.UpsertPlayers(ctx, records); err != nil {
			metrics.IdentityBatch("store_error")
			w.logFail.Do(func() {
				log.Printf("⚠️ Identity cache write failed: %v", err)
			})
		}
	}
	w.dir.Put(chars...)
	w.resolved.Add(uint64(len(chars)))
	metrics.IdentityBatch("ok")
}

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Batches  uint64 `json:"batches"`
	Resolved uint64 `json:"resolved"`
	Failed   uint64 `json:"failed"`
	Pending  int    `json:"pending"`
	Known    int    `json:"known"`
}

// Stats returns current counters.
func (w *Worker) Stats() WorkerStats {
	w.pendingMu.Lock()
	pending := len(w.pending)
	w.pendingMu.Unlock()
	return WorkerStats{
		Enqueued: w.enqueued.Load(),
		Dropped:  w.dropped.Load(),
		Batches:  w.batches.Load(),
		Resolved: w.resolved.Load(),
		Failed:   w.failed.Load(),
		Pending:  pending,
		Known:    w.dir.Len(),
	}
}
