// Package trace records every admitted envelope as one JSON line so a
// session can be inspected or replayed later.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/config"
	"better-planetside/internal/envelope"
)

const (
	flushBatch    = 64
	flushInterval = 100 * time.Millisecond
)

// Line is one trace record.
type Line struct {
	Lane            string             `json:"lane"`
	Category        string             `json:"category"`
	TsServerTraceMs int64              `json:"ts_server_trace_ms"`
	TsISO           string             `json:"ts_iso"`
	Data            map[string]any     `json:"data"`
	Meta            *envelope.WireMeta `json:"meta,omitempty"`
}

func lineOf(env envelope.Envelope, now time.Time) Line {
	w := env.Wire()
	return Line{
		Lane:            string(env.Lane),
		Category:        env.Type,
		TsServerTraceMs: now.UnixMilli(),
		TsISO:           now.UTC().Format(time.RFC3339Nano),
		Data:            w.Data,
		Meta:            w.Meta,
	}
}

// Writer appends trace lines from a background goroutine. Record never
// blocks; when the buffer is full the line is dropped and counted.
type Writer struct {
	cfg  config.TraceConfig
	now  func() time.Time
	in   chan Line
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
	running  atomic.Bool

	file *os.File
	size int64

	written atomic.Uint64
	dropped atomic.Uint64
	rotated atomic.Uint64
}

// NewWriter creates a writer; nothing is opened until Start.
func NewWriter(cfg config.TraceConfig) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &Writer{
		cfg:  cfg,
		now:  time.Now,
		in:   make(chan Line, cfg.BufferSize),
		done: make(chan struct{}),
	}
}

// Start opens the trace file and launches the writer goroutine.
func (w *Writer) Start() error {
	if w.running.Load() {
		return nil
	}
	if dir := filepath.Dir(w.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
	}
	if err := w.open(); err != nil {
		return err
	}
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop()
	log.Printf("📊 Trace export to %s", w.cfg.Path)
	return nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Stop writes what is buffered and closes the file.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		if !w.running.Swap(false) {
			return
		}
		close(w.done)
		w.wg.Wait()
		if w.file != nil {
			w.file.Close()
		}
		log.Printf("📊 Trace closed - written: %d, dropped: %d", w.written.Load(), w.dropped.Load())
	})
}

// Record queues env. It implements broadcast.Tracer.
func (w *Writer) Record(env envelope.Envelope) {
	if !w.running.Load() {
		return
	}
	select {
	case w.in <- lineOf(env, w.now()):
	default:
		w.dropped.Add(1)
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	bw := bufio.NewWriter(w.file)
	batch := 0
	flush := func() {
		if err := bw.Flush(); err != nil {
			log.Printf("⚠️ Trace write failed: %v", err)
		}
		batch = 0
	}

	for {
		select {
		case <-w.done:
			for {
				select {
				case line := <-w.in:
					w.write(&bw, line)
				default:
					flush()
					return
				}
			}
		case line := <-w.in:
			w.write(&bw, line)
			batch++
			if batch >= flushBatch {
				flush()
			}
		case <-ticker.C:
			if batch > 0 {
				flush()
			}
		}
	}
}

func (w *Writer) write(bw **bufio.Writer, line Line) {
	data, err := json.Marshal(line)
	if err != nil {
		w.dropped.Add(1)
		return
	}
	data = append(data, '\n')
	if w.cfg.MaxBytes > 0 && w.size+int64(len(data)) > w.cfg.MaxBytes && w.size > 0 {
		(*bw).Flush()
		if err := w.rotate(); err != nil {
			log.Printf("⚠️ Trace rotation failed: %v", err)
		}
		*bw = bufio.NewWriter(w.file)
	}
	n, err := (*bw).Write(data)
	w.size += int64(n)
	if err != nil {
		w.dropped.Add(1)
		return
	}
	w.written.Add(1)
}

// rotate shifts path.N to path.N+1, drops anything past Backups and starts
// a fresh file.
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	path := w.cfg.Path
	if w.cfg.Backups <= 0 {
		os.Remove(path)
	} else {
		os.Remove(fmt.Sprintf("%s.%d", path, w.cfg.Backups))
		for i := w.cfg.Backups - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
		}
		if err := os.Rename(path, path+".1"); err != nil {
			if oerr := w.open(); oerr != nil {
				return oerr
			}
			return fmt.Errorf("rotate trace file: %w", err)
		}
	}
	w.rotated.Add(1)
	return w.open()
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Rotated uint64 `json:"rotated"`
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	return Stats{Written: w.written.Load(), Dropped: w.dropped.Load(), Rotated: w.rotated.Load()}
}
