package network

import (
	"strings"
	"testing"
	"time"
)

func TestProgressMeterFormatsLine(t *testing.T) {
	var lines []string
	meter := newProgressMeter("send", "a.bin", 1000, func(line string) {
		lines = append(lines, line)
	})

	at := time.Unix(1000, 0)
	meter.startedAt = at
	meter.now = func() time.Time { return at.Add(2 * time.Second) }

	meter.add(500)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	line := lines[0]
	if !strings.HasPrefix(line, "[send a.bin] 50.0% (500/1000) ") {
		t.Fatalf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "/s ETA ") {
		t.Fatalf("missing rate/ETA: %q", line)
	}
}

func TestProgressMeterThrottlesByTimeAndDelta(t *testing.T) {
	var count int
	meter := newProgressMeter("recv", "a.bin", 1_000_000, func(string) { count++ })

	base := time.Unix(2000, 0)
	current := base
	meter.startedAt = base
	meter.now = func() time.Time { return current }

	meter.add(100) // first emission
	if count != 1 {
		t.Fatalf("expected first add to emit, got %d", count)
	}

	// Tiny progress inside the 80ms window stays silent.
	current = base.Add(10 * time.Millisecond)
	meter.add(100)
	if count != 1 {
		t.Fatalf("expected throttled add to stay silent, got %d", count)
	}

	// A large completion delta emits even inside the window.
	current = base.Add(20 * time.Millisecond)
	meter.add(10_000)
	if count != 2 {
		t.Fatalf("expected delta to force emission, got %d", count)
	}

	// Elapsed time alone also re-arms emission.
	current = base.Add(200 * time.Millisecond)
	meter.add(100)
	if count != 3 {
		t.Fatalf("expected time to force emission, got %d", count)
	}
}

func TestProgressMeterFinishEmitsTerminalLine(t *testing.T) {
	var lines []string
	meter := newProgressMeter("send", "a.bin", 100, func(line string) { lines = append(lines, line) })
	meter.done = 100

	meter.finish()
	if len(lines) != 1 || !strings.Contains(lines[0], "100.0%") {
		t.Fatalf("expected terminal 100%% line, got %v", lines)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{1536 * 1024, "1.50 MB"},
		{15 * 1024 * 1024, "15.0 MB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.value); got != tt.want {
			t.Fatalf("formatSize(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
