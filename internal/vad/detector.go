// Package vad turns periodically sampled audio magnitudes into a boolean
// speaking decision.
package vad

import (
	"context"
	"time"
)

const (
	// DefaultThreshold matches the browser analyser tuning: byte-valued
	// frequency bins, average above 15 counts as speech.
	DefaultThreshold = 15.0
	DefaultInterval  = 100 * time.Millisecond
)

// LevelSource is the black-box producer of frequency-magnitude buffers
// for the active audio source. A nil or empty buffer reads as silence.
type LevelSource interface {
	Levels() []byte
}

type Detector struct {
	Threshold float64
}

func NewDetector(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Detector{Threshold: threshold}
}

// Speaking averages the magnitude across frequency bins and compares
// against the threshold. No hysteresis: the decision may flicker right at
// the boundary, which self-corrects on the next sample.
func (d Detector) Speaking(bins []byte) bool {
	if len(bins) == 0 {
		return false
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	avg := float64(sum) / float64(len(bins))
	return avg > d.Threshold
}

// Monitor runs an edge-triggered sampling loop: onChange fires only when
// the speaking decision flips. It stops as soon as ctx is cancelled so no
// timer outlives the owning stream.
type Monitor struct {
	src      LevelSource
	det      Detector
	interval time.Duration
}

func NewMonitor(src LevelSource, det Detector, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{src: src, det: det, interval: interval}
}

// Run blocks until ctx is done. Callers run it on its own goroutine.
func (m *Monitor) Run(ctx context.Context, onChange func(bool)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	speaking := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.det.Speaking(m.src.Levels())
			if now != speaking {
				speaking = now
				onChange(now)
			}
		}
	}
}
