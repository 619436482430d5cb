package main

import (
	"math"
	"sync"
)

const meterWindow = 4096

// levelMeter keeps the most recent mono samples from the audio thread so the
// UI can show a peak and RMS level.
type levelMeter struct {
	mu       sync.Mutex
	ring     []float32
	writePos int
	filled   int
}

func newLevelMeter() *levelMeter {
	return &levelMeter{ring: make([]float32, meterWindow)}
}

// Tap is called from the audio thread. Keep it minimal: just copy into ring.
func (m *levelMeter) Tap(samples []float32) {
	m.mu.Lock()
	for i := 0; i+1 < len(samples); i += 2 {
		m.ring[m.writePos] = (samples[i] + samples[i+1]) * 0.5
		m.writePos = (m.writePos + 1) % meterWindow
		if m.filled < meterWindow {
			m.filled++
		}
	}
	m.mu.Unlock()
}

// Levels returns peak and RMS over the window, both in 0..1.
func (m *levelMeter) Levels() (peak, rms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range m.ring[:m.filled] {
		a := math.Abs(float64(v))
		peak = max(peak, a)
		sum += a * a
	}
	return peak, math.Sqrt(sum / float64(m.filled))
}

func (m *levelMeter) Reset() {
	m.mu.Lock()
	clear(m.ring)
	m.writePos = 0
	m.filled = 0
	m.mu.Unlock()
}
