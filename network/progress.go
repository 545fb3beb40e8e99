package network

import (
	"fmt"
	"math"
	"time"
)

const (
	// progressMinInterval throttles progress emission by time.
	progressMinInterval = 80 * time.Millisecond
	// progressMinDelta throttles progress emission by completed fraction.
	progressMinDelta = 0.35
)

// ProgressFunc receives one formatted progress line per emission.
type ProgressFunc func(line string)

// progressMeter renders throttled transfer progress lines of the form
// "[send name] 21.7% (1234/5678) 1.48 KB/s ETA 3s".
type progressMeter struct {
	direction string
	name      string
	total     int64
	done      int64

	sink ProgressFunc
	now  func() time.Time

	startedAt   time.Time
	lastEmitAt  time.Time
	lastPercent float64
}

func newProgressMeter(direction, name string, total int64, sink ProgressFunc) *progressMeter {
	meter := &progressMeter{
		direction: direction,
		name:      name,
		total:     total,
		sink:      sink,
		now:       time.Now,
	}
	meter.startedAt = meter.now()
	meter.lastPercent = -progressMinDelta
	return meter
}

// add accounts n transferred bytes and emits a line when the throttle allows.
func (m *progressMeter) add(n int64) {
	m.done += n
	if m.sink == nil {
		return
	}

	percent := m.percent()
	at := m.now()
	if at.Sub(m.lastEmitAt) < progressMinInterval && percent-m.lastPercent < progressMinDelta {
		return
	}
	m.emit(percent, at)
}

// finish emits the terminal 100% line regardless of throttling.
func (m *progressMeter) finish() {
	if m.sink == nil {
		return
	}
	m.emit(m.percent(), m.now())
}

func (m *progressMeter) percent() float64 {
	if m.total <= 0 {
		return 100
	}
	return float64(m.done) / float64(m.total) * 100
}

func (m *progressMeter) emit(percent float64, at time.Time) {
	elapsed := at.Sub(m.startedAt).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(m.done) / elapsed
	}

	eta := 0.0
	if rate > 0 && m.done < m.total {
		eta = float64(m.total-m.done) / rate
	}

	m.sink(fmt.Sprintf("[%s %s] %.1f%% (%d/%d) %s/s ETA %.0fs",
		m.direction, m.name, percent, m.done, m.total, formatSize(rate), math.Ceil(eta)))

	m.lastEmitAt = at
	m.lastPercent = percent
}

// formatSize renders a byte count (or rate) with a binary unit suffix.
func formatSize(size float64) string {
	unit := "B"
	for _, next := range []string{"KB", "MB", "GB", "TB"} {
		if size < 1024 {
			break
		}
		size /= 1024
		unit = next
	}

	switch {
	case size >= 100:
		return fmt.Sprintf("%.0f %s", size, unit)
	case size >= 10:
		return fmt.Sprintf("%.1f %s", size, unit)
	default:
		return fmt.Sprintf("%.2f %s", size, unit)
	}
}
