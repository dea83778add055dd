package transfer

import (
	"sync"
	"time"
)

const (
	// DefaultChunkSize is the starting chunk size for new transfers.
	DefaultChunkSize = 512 * 1024
	// DefaultMinChunkSize floors adaptive shrinking.
	DefaultMinChunkSize = 256 * 1024
	// DefaultMaxChunkSize caps adaptive growth.
	DefaultMaxChunkSize = 8 * 1024 * 1024

	rateWindowSize    = 5
	fastThresholdMBps = 8.0
	slowThresholdMBps = 1.0
	chunkGrowthFactor = 1.5
)

// RateController adapts the chunk size from per-chunk transmit timing. It
// keeps a bounded sliding window of throughput samples and only moves the
// chunk size when the smoothed average crosses a threshold, so a single noisy
// measurement never causes oscillation. The emitted size always stays inside
// [min, max].
type RateController struct {
	mu      sync.Mutex
	window  []float64
	current int
	min     int
	max     int
}

// NewRateController creates a controller starting at initial, clamped to
// [min, max]. Non-positive bounds fall back to the package defaults.
func NewRateController(initial, min, max int) *RateController {
	if min <= 0 {
		min = DefaultMinChunkSize
	}
	if max <= 0 || max < min {
		max = DefaultMaxChunkSize
	}
	if max < min {
		max = min
	}
	if initial <= 0 {
		initial = DefaultChunkSize
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &RateController{
		window:  make([]float64, 0, rateWindowSize),
		current: initial,
		min:     min,
		max:     max,
	}
}

// Observe records the transmit timing of one chunk and adjusts the next chunk
// size when the smoothed throughput leaves the hold band.
func (rc *RateController) Observe(chunkBytes int, elapsed time.Duration) {
	if chunkBytes <= 0 || elapsed <= 0 {
		return
	}
	mbps := float64(chunkBytes) / (1024 * 1024) / elapsed.Seconds()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.window) == rateWindowSize {
		copy(rc.window, rc.window[1:])
		rc.window = rc.window[:rateWindowSize-1]
	}
	rc.window = append(rc.window, mbps)

	var sum float64
	for _, sample := range rc.window {
		sum += sample
	}
	average := sum / float64(len(rc.window))

	switch {
	case average > fastThresholdMBps:
		grown := int(float64(rc.current) * chunkGrowthFactor)
		if grown > rc.max {
			grown = rc.max
		}
		rc.current = grown
	case average < slowThresholdMBps:
		shrunk := int(float64(rc.current) / chunkGrowthFactor)
		if shrunk < rc.min {
			shrunk = rc.min
		}
		rc.current = shrunk
	}
}

// NextChunkSize returns the chunk size to use for the next chunk.
func (rc *RateController) NextChunkSize() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.current
}
