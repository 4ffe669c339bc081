package culler

import (
	"github.com/Carmen-Shannon/oxy-cull/culler/profiler"
	"github.com/Carmen-Shannon/oxy-cull/culler/query"
	"github.com/Carmen-Shannon/oxy-cull/culler/readback"
)

// CullerOption is a functional option applied to a culler during construction via NewCuller.
type CullerOption func(*culler)

// WithMaxPyramidLevels caps the number of Hi-Z mip levels built per frame.
// The cap is additionally bounded by the render-target resolution.
//
// Parameters:
//   - levels: the level cap (values < 1 are ignored)
//
// Returns:
//   - CullerOption: a function that applies the level cap option to a culler
func WithMaxPyramidLevels(levels int) CullerOption {
	return func(c *culler) {
		if levels >= 1 {
			c.maxPyramidLevels = levels
		}
	}
}

// WithDispatcher replaces the default query dispatcher. Useful for tests and
// for sharing one dispatcher's worker pool across cullers.
//
// Parameters:
//   - d: the dispatcher to use
//
// Returns:
//   - CullerOption: a function that applies the dispatcher option to a culler
func WithDispatcher(d query.Dispatcher) CullerOption {
	return func(c *culler) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithManager replaces the default async result manager. The manager's
// executor and buffer depth determine readback latency tolerance.
//
// Parameters:
//   - m: the manager to use
//
// Returns:
//   - CullerOption: a function that applies the manager option to a culler
func WithManager(m readback.Manager) CullerOption {
	return func(c *culler) {
		if m != nil {
			c.manager = m
		}
	}
}

// WithGPUBackend attaches a GPU backend, enabling the FrameTexture path where
// the Hi-Z reduction and the query kernel run on the GPU timeline. The
// backend also serves as the result manager's executor unless a manager is
// supplied explicitly.
//
// Parameters:
//   - b: the backend to attach
//
// Returns:
//   - CullerOption: a function that applies the backend option to a culler
func WithGPUBackend(b GPUBackend) CullerOption {
	return func(c *culler) {
		c.backend = b
	}
}

// WithProfiling enables per-interval culling statistics output to the log
// from construction onward.
//
// Returns:
//   - CullerOption: a function that enables profiling on a culler
func WithProfiling() CullerOption {
	return func(c *culler) {
		c.profilingEnabled = true
	}
}

// WithProfiler replaces the default profiler and enables profiling. Useful
// for tuning the logging interval.
//
// Parameters:
//   - p: the profiler to use
//
// Returns:
//   - CullerOption: a function that applies the profiler option to a culler
func WithProfiler(p *profiler.Profiler) CullerOption {
	return func(c *culler) {
		if p != nil {
			c.prof = p
			c.profilingEnabled = true
		}
	}
}
