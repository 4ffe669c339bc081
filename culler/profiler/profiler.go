package profiler

import (
	"log"
	"time"
)

// Profiler tracks per-frame culling statistics for performance monitoring.
// Outputs stats to the log at a configurable interval.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration

	candidates  uint64
	occluded    uint64
	offscreen   uint64
	applied     uint64
	exhaustions uint64
	staleDrops  uint64
}

// NewProfiler creates a new Profiler with the provided options.
// Update interval defaults to 1 second.
//
// Parameters:
//   - options: functional options to configure the profiler
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(options ...ProfilerOption) *Profiler {
	p := &Profiler{
		lastTime:       time.Now(),
		updateInterval: time.Second,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Record accumulates one frame's culling counts.
//
// Parameters:
//   - candidates: candidates dispatched this frame
//   - occluded: candidates the dispatcher marked occluded
//   - offscreen: candidates rejected by the off-screen early path
//   - applied: batches applied to the visibility table this frame
//   - exhaustions: submits rejected for lack of an idle slot this frame
//   - staleDrops: batches discarded as stale this frame
func (p *Profiler) Record(candidates, occluded, offscreen, applied, exhaustions, staleDrops uint64) {
	p.candidates += candidates
	p.occluded += occluded
	p.offscreen += offscreen
	p.applied += applied
	p.exhaustions += exhaustions
	p.staleDrops += staleDrops
}

// Tick should be called once per frame to track frame timing.
// Logs culling statistics when the update interval has elapsed.
// Statistics include: FPS, candidate throughput, occlusion and off-screen
// rejection rates, applied batches, and failure counters.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.frameCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)

	if elapsed >= p.updateInterval {
		fps := float64(p.frameCount) / elapsed.Seconds()
		candRate := float64(p.candidates) / elapsed.Seconds()

		occludedPct := 0.0
		offscreenPct := 0.0
		if p.candidates > 0 {
			occludedPct = float64(p.occluded) / float64(p.candidates) * 100
			offscreenPct = float64(p.offscreen) / float64(p.candidates) * 100
		}

		log.Printf("[Profiler] FPS: %.2f | Candidates: %.0f/s | Occluded: %.1f%% | Offscreen: %.1f%% | Applied: %d | Exhaustions: %d | Stale: %d",
			fps, candRate, occludedPct, offscreenPct, p.applied, p.exhaustions, p.staleDrops)

		p.frameCount = 0
		p.lastTime = currentTime
		p.candidates = 0
		p.occluded = 0
		p.offscreen = 0
		p.applied = 0
		p.exhaustions = 0
		p.staleDrops = 0
		return true
	}

	return false
}
