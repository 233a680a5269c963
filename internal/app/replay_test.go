package app

import (
	"context"
	"testing"
	"time"

	"better-planetside/internal/trace"
)

func TestReplayLinesScalesGaps(t *testing.T) {
	lines := []trace.Line{
		{Category: "stats", TsServerTraceMs: 1000},
		{Category: "event", TsServerTraceMs: 1400},
		{Category: "feed", TsServerTraceMs: 1400},
		{Category: "streak", TsServerTraceMs: 2400},
	}

	var published []string
	var sleeps []time.Duration
	n := replayLines(context.Background(), lines, 2,
		func(typ string, _ map[string]any) bool { published = append(published, typ); return true },
		func(_ context.Context, d time.Duration) bool { sleeps = append(sleeps, d); return true },
	)

	if n != 4 || len(published) != 4 || published[3] != "streak" {
		t.Fatalf("Expected all 4 lines in order, got %v", published)
	}
	want := []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("Expected sleeps %v, got %v", want, sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("Sleep %d: expected %v, got %v", i, want[i], sleeps[i])
		}
	}
}

func TestReplayLinesStopsOnCancel(t *testing.T) {
	lines := []trace.Line{
		{Category: "a", TsServerTraceMs: 0},
		{Category: "b", TsServerTraceMs: 100},
		{Category: "c", TsServerTraceMs: 200},
	}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	n := replayLines(ctx, lines, 0,
		func(string, map[string]any) bool { return true },
		func(context.Context, time.Duration) bool {
			calls++
			cancel()
			return false
		},
	)
	if n != 1 || calls != 1 {
		t.Errorf("Expected to stop after the first line, sent=%d sleeps=%d", n, calls)
	}
}
