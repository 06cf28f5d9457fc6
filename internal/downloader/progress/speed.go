package progress

import (
	"sync"
	"time"
)

// SpeedMeter estimates transfer speed over a short trailing window so a
// single burst or stall does not swing the reported rate.
type SpeedMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

func NewSpeedMeter(window time.Duration) *SpeedMeter {
	if window <= 0 {
		window = time.Second
	}

	return &SpeedMeter{window: window}
}

// Add records n bytes transferred now.
func (m *SpeedMeter) Add(n int64) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, bytes: n})
	m.prune(now)
}

// BytesPerSecond reports the rate over the trailing window. It returns 0
// when nothing was transferred within the window.
func (m *SpeedMeter) BytesPerSecond() int64 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(now)

	if len(m.samples) == 0 {
		return 0
	}

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}

	elapsed := now.Sub(m.samples[0].at)
	if elapsed < time.Second {
		elapsed = time.Second
	}

	return int64(float64(total) / elapsed.Seconds())
}

func (m *SpeedMeter) prune(now time.Time) {
	cutoff := now.Add(-m.window)

	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}

	m.samples = m.samples[i:]
}
