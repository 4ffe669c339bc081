package profiler

import "time"

// ProfilerOption is a functional option applied to a Profiler during construction via NewProfiler.
type ProfilerOption func(*Profiler)

// WithInterval sets how often accumulated statistics are logged. An interval
// of zero logs on every Tick, which tests use to observe single-frame counts.
//
// Parameters:
//   - interval: the logging interval (negative values are ignored)
//
// Returns:
//   - ProfilerOption: a function that applies the interval option to a profiler
func WithInterval(interval time.Duration) ProfilerOption {
	return func(p *Profiler) {
		if interval >= 0 {
			p.updateInterval = interval
		}
	}
}
