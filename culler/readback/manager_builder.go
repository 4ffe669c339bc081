package readback

// ManagerOption is a functional option applied to a manager during construction via NewManager.
type ManagerOption func(*manager)

// WithBufferDepth sets the number of buffered result slots. Deeper pools
// tolerate longer GPU readback latency at the cost of staler results.
//
// Parameters:
//   - depth: the slot count (values < 1 are ignored; default 2)
//
// Returns:
//   - ManagerOption: a function that applies the buffer depth option to a manager
func WithBufferDepth(depth int) ManagerOption {
	return func(m *manager) {
		if depth >= 1 {
			m.slots = make([]slot, depth)
		}
	}
}

// WithExecutor sets the Executor that models the GPU timeline. Defaults to a
// CPU executor with one poll of latency when not provided.
//
// Parameters:
//   - e: the executor to use
//
// Returns:
//   - ManagerOption: a function that applies the executor option to a manager
func WithExecutor(e Executor) ManagerOption {
	return func(m *manager) {
		if e != nil {
			m.executor = e
		}
	}
}
