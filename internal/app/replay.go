package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"better-planetside/internal/api"
	"better-planetside/internal/broadcast"
	"better-planetside/internal/config"
	"better-planetside/internal/trace"
)

// ReplayOptions configures a trace replay.
type ReplayOptions struct {
	Path  string
	Speed float64 // 2 replays twice as fast; <= 0 means 1
	Hold  bool    // keep serving after the last line until ctx is cancelled
}

// Replay serves a fresh core and transport and re-publishes a recorded
// trace through them with the recorded spacing scaled by Speed.
func Replay(ctx context.Context, cfg config.AppConfig, opts ReplayOptions) error {
	var lines []trace.Line
	if err := trace.ReadFile(opts.Path, func(l trace.Line) error {
		if l.Category != broadcast.MetricsType {
			lines = append(lines, l)
		}
		return nil
	}); err != nil {
		return err
	}
	log.Printf("📊 Replaying %d lines from %s", len(lines), opts.Path)

	core := broadcast.New(broadcast.Options{Pipeline: cfg.Pipeline})
	server := api.NewServer(cfg.Server, core)
	core.SetSink(server.Hub())

	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()
	if err := server.Start(transportCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	coreCtx, stopCore := context.WithCancel(context.Background())
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		core.Run(coreCtx)
	}()

	sent := replayLines(ctx, lines, opts.Speed, core.Publish, sleepCtx)
	log.Printf("✅ Replayed %d/%d lines", sent, len(lines))

	if opts.Hold {
		<-ctx.Done()
	}
	stopCore()
	<-coreDone
	stopTransport()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// replayLines publishes lines in order, sleeping the recorded gap between
// consecutive lines divided by speed. It returns how many were published
// before ctx ended.
func replayLines(
	ctx context.Context,
	lines []trace.Line,
	speed float64,
	publish func(typ string, payload map[string]any) bool,
	sleep func(ctx context.Context, d time.Duration) bool,
) int {
	if speed <= 0 {
		speed = 1
	}
	sent := 0
	var prev int64
	for i, l := range lines {
		if i > 0 {
			gap := l.TsServerTraceMs - prev
			if gap > 0 {
				d := time.Duration(float64(gap) / speed * float64(time.Millisecond))
				if !sleep(ctx, d) {
					return sent
				}
			}
		}
		if ctx.Err() != nil {
			return sent
		}
		prev = l.TsServerTraceMs
		publish(l.Category, l.Data)
		sent++
	}
	return sent
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
