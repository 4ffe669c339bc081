package query

// DispatcherOption is a functional option applied to a dispatcher during construction via NewDispatcher.
type DispatcherOption func(*dispatcher)

// WithWorkers sets the number of parallel workers used for per-candidate
// query fan-out. Defaults to NumCPU-1 (minimum 1).
//
// Parameters:
//   - workers: the worker count (values < 1 are ignored)
//
// Returns:
//   - DispatcherOption: a function that applies the worker count option to a dispatcher
func WithWorkers(workers int) DispatcherOption {
	return func(d *dispatcher) {
		if workers >= 1 {
			d.queryWorkers = workers
		}
	}
}

// WithSmallRectTexels sets the texel threshold below which every covered
// texel is sampled rather than only the rectangle's 4 corners.
//
// Parameters:
//   - texels: the threshold in covered texels (values < 1 are ignored)
//
// Returns:
//   - DispatcherOption: a function that applies the threshold option to a dispatcher
func WithSmallRectTexels(texels int) DispatcherOption {
	return func(d *dispatcher) {
		if texels >= 1 {
			d.smallRectTexels = texels
		}
	}
}

// WithDepthEpsilon sets the guard band used when comparing candidate depth
// against sampled occluder depth.
//
// Parameters:
//   - epsilon: the depth comparison epsilon (negative values are ignored)
//
// Returns:
//   - DispatcherOption: a function that applies the epsilon option to a dispatcher
func WithDepthEpsilon(epsilon float32) DispatcherOption {
	return func(d *dispatcher) {
		if epsilon >= 0 {
			d.depthEpsilon = epsilon
		}
	}
}
