// package readback decouples GPU occlusion-query readback latency from the
// CPU frame loop. Query batches rotate through a fixed pool of buffered slots
// whose ownership transfer (Idle -> Submitted -> ReadbackPending ->
// ReadyToApply -> Idle) is modeled as tagged state transitions rather than
// locks: the true source of exclusion is the GPU/CPU timeline separation, not
// contention between CPU threads.
package readback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-cull/common"
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
)

// DefaultBufferDepth is the default number of buffered result slots. Two
// slots let the GPU write one frame's results while the CPU reads the
// previous frame's.
const DefaultBufferDepth = 2

// ErrSlotExhaustion is returned by Submit when every buffered slot is still
// in flight. The caller must defer the batch or treat its candidates as
// visible for the frame — never block waiting for a slot.
var ErrSlotExhaustion = errors.New("readback: no idle result slot available")

// SlotState enumerates the lifecycle of a buffered result slot.
type SlotState uint8

const (
	// SlotIdle: the slot holds no in-flight work and may be claimed by Submit.
	SlotIdle SlotState = iota
	// SlotSubmitted: GPU work for the slot's batch has been dispatched.
	SlotSubmitted
	// SlotReadbackPending: GPU work finished; the result copy to CPU-visible
	// memory has been requested but has not signaled yet.
	SlotReadbackPending
	// SlotReadyToApply: results are CPU-visible and awaiting apply.
	SlotReadyToApply
)

// String returns a human-readable name for the state.
func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "Idle"
	case SlotSubmitted:
		return "Submitted"
	case SlotReadbackPending:
		return "ReadbackPending"
	case SlotReadyToApply:
		return "ReadyToApply"
	default:
		return fmt.Sprintf("SlotState(%d)", uint8(s))
	}
}

// QueryBatch is an immutable list of candidates submitted together, tagged
// with the frame it was built on and the pyramid generation it was tested
// against.
type QueryBatch struct {
	// Frame is the frame counter at submission time.
	Frame uint64
	// Generation is the depth-pyramid generation the batch was tested
	// against. Batches whose generation no longer matches at apply time are
	// discarded as stale.
	Generation uint64
	// IDs lists the object ids covered by this batch, in result order.
	IDs []common.ObjectID
	// Results holds one scalar per id (hiz.ResultOccluded / ResultVisible /
	// ResultOffscreen). For the CPU executor these are final at submit time;
	// for a GPU executor they are overwritten by the readback.
	Results []float32
}

// Handle identifies a submitted batch within the slot pool.
type Handle struct {
	// Slot is the pool index the batch occupies.
	Slot int
	// Frame is the frame the batch was submitted on.
	Frame uint64
}

// slot is one entry of the rotating result-buffer pool. Its mapping fields
// record which batch the slot currently holds results for.
type slot struct {
	state      SlotState
	frame      uint64
	generation uint64
	ids        []common.ObjectID
	results    []float32
	polls      uint64 // completion polls issued while in flight
}

// Stats is a snapshot of the manager's diagnostic counters. Counters only
// ever increase; they exist for offline analysis and never affect frame
// delivery.
type Stats struct {
	// Submitted is the number of batches accepted by Submit.
	Submitted uint64
	// Applied is the number of batches whose results reached the visibility table.
	Applied uint64
	// SlotExhaustions counts Submit calls rejected for lack of an idle slot.
	SlotExhaustions uint64
	// StaleDiscards counts batches dropped at apply time due to a generation mismatch.
	StaleDiscards uint64
	// Invalidations counts explicit Invalidate calls (device loss, teardown).
	Invalidations uint64
}

// manager is the implementation of the Manager interface.
type manager struct {
	mu *sync.Mutex

	slots      []slot
	nextSubmit int // ring index the next Submit will claim
	nextApply  int // ring index the next apply must drain, preserving order

	generation uint64 // current pyramid generation, compared at apply time
	executor   Executor
	vis        *VisibilityTable

	submitted       atomic.Uint64
	applied         atomic.Uint64
	slotExhaustions atomic.Uint64
	staleDiscards   atomic.Uint64
	invalidations   atomic.Uint64
}

// Manager owns the rotating pool of result slots and the authoritative
// visibility table. Submission and apply never block on the GPU: completion
// is observed through non-blocking executor polls.
type Manager interface {
	// Submit claims an idle slot for the batch, records its mapping (ids and
	// generation tag), and hands the batch to the executor's GPU timeline.
	// Transitions the slot Idle -> Submitted.
	//
	// Parameters:
	//   - batch: the immutable batch to submit; len(Results) must equal len(IDs)
	//
	// Returns:
	//   - Handle: the claimed slot and frame
	//   - error: ErrSlotExhaustion when every slot is in flight, or an executor error
	Submit(batch QueryBatch) (Handle, error)

	// PollAndApply drains, in submission order, every slot whose GPU work has
	// completed: stale batches (generation mismatch) are discarded, fresh
	// ones are copied into the visibility table. Non-blocking and idempotent
	// — calling it again with no new completions applies nothing.
	//
	// Returns:
	//   - int: the number of batches applied to the visibility table
	PollAndApply() int

	// SetGeneration records the current pyramid generation. Batches whose
	// recorded generation differs at apply time are discarded as stale.
	//
	// Parameters:
	//   - gen: the new generation tag
	SetGeneration(gen uint64)

	// Invalidate discards every in-flight slot without applying it, for
	// device-loss style events where pending results reference destroyed
	// resources. The visibility table is left as-is; affected ids simply
	// stay at their previous (or default visible) state.
	Invalidate()

	// Visibility returns the authoritative visibility table consumed by the
	// draw-submission collaborator.
	//
	// Returns:
	//   - *VisibilityTable: the table; unknown ids read as visible
	Visibility() *VisibilityTable

	// SlotStates returns the current state of every slot, in pool order.
	// Intended for logging and tests.
	//
	// Returns:
	//   - []SlotState: one state per slot
	SlotStates() []SlotState

	// Stats returns a snapshot of the diagnostic counters.
	//
	// Returns:
	//   - Stats: the counter snapshot
	Stats() Stats
}

// Ensure manager implements Manager interface.
var _ Manager = &manager{}

// NewManager creates a Manager with the provided options. Without options it
// uses DefaultBufferDepth slots and a CPU executor with two polls of latency,
// so a caller that submits and polls within the same frame still observes the
// one-frame result skew.
//
// Parameters:
//   - options: functional options to configure the manager
//
// Returns:
//   - Manager: the newly created manager
func NewManager(options ...ManagerOption) Manager {
	m := &manager{
		mu:    &sync.Mutex{},
		slots: make([]slot, DefaultBufferDepth),
		vis:   NewVisibilityTable(),
	}

	for _, option := range options {
		option(m)
	}

	if m.executor == nil {
		// Two polls, not one: Submit and PollAndApply happen back to back in a
		// frame, so a one-poll executor would complete a batch within its own
		// submission frame.
		m.executor = NewCPUExecutor(2)
	}

	return m
}

func (m *manager) Submit(batch QueryBatch) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.slots[m.nextSubmit]
	if s.state != SlotIdle {
		m.slotExhaustions.Add(1)
		return Handle{}, ErrSlotExhaustion
	}

	claimed := m.nextSubmit
	s.state = SlotSubmitted
	s.frame = batch.Frame
	s.generation = batch.Generation
	s.ids = batch.IDs
	s.results = batch.Results
	s.polls = 0

	if err := m.executor.Submit(claimed, batch); err != nil {
		// The executor refused the work; release the slot and report. The
		// caller falls back to assume-visible for this batch.
		s.state = SlotIdle
		return Handle{}, fmt.Errorf("readback: executor submit failed: %w", err)
	}

	m.nextSubmit = (m.nextSubmit + 1) % len(m.slots)
	m.submitted.Add(1)
	return Handle{Slot: claimed, Frame: batch.Frame}, nil
}

func (m *manager) PollAndApply() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	appliedCount := 0
	for range m.slots {
		s := &m.slots[m.nextApply]

		switch s.state {
		case SlotIdle:
			// Nothing pending at the ring head.
			return appliedCount

		case SlotSubmitted, SlotReadbackPending:
			s.polls++
			done, results, err := m.executor.Poll(m.nextApply)
			if err != nil {
				// Treat executor failure like device loss for this slot:
				// discard, never apply partial results.
				m.staleDiscards.Add(1)
				m.resetSlot(s)
				m.nextApply = (m.nextApply + 1) % len(m.slots)
				continue
			}
			if !done {
				// First unfinished slot blocks the ring: later batches must
				// never be applied before earlier ones.
				s.state = SlotReadbackPending
				return appliedCount
			}
			if results != nil {
				s.results = results
			}
			s.state = SlotReadyToApply
			fallthrough

		case SlotReadyToApply:
			if s.generation != m.generation {
				// Stale batch from a prior render-target configuration. Its
				// ids fall back to visible rather than carrying over results
				// computed against a pyramid of different dimensions.
				m.staleDiscards.Add(1)
				m.vis.SetAll(s.ids, true)
			} else {
				m.vis.Apply(s.ids, s.results)
				m.applied.Add(1)
				appliedCount++
			}
			m.resetSlot(s)
			m.nextApply = (m.nextApply + 1) % len(m.slots)
		}
	}
	return appliedCount
}

// resetSlot returns a slot to Idle and drops its batch references so the
// backing arrays can be reclaimed.
func (m *manager) resetSlot(s *slot) {
	s.state = SlotIdle
	s.ids = nil
	s.results = nil
	s.frame = 0
	s.generation = 0
	s.polls = 0
}

func (m *manager) SetGeneration(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation = gen
}

func (m *manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidations.Add(1)
	for i := range m.slots {
		s := &m.slots[i]
		if s.state != SlotIdle {
			m.vis.SetAll(s.ids, true)
			m.staleDiscards.Add(1)
			m.resetSlot(s)
		}
	}
	m.nextSubmit = 0
	m.nextApply = 0
}

func (m *manager) Visibility() *VisibilityTable {
	return m.vis
}

func (m *manager) SlotStates() []SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]SlotState, len(m.slots))
	for i := range m.slots {
		states[i] = m.slots[i].state
	}
	return states
}

func (m *manager) Stats() Stats {
	return Stats{
		Submitted:       m.submitted.Load(),
		Applied:         m.applied.Load(),
		SlotExhaustions: m.slotExhaustions.Load(),
		StaleDiscards:   m.staleDiscards.Load(),
		Invalidations:   m.invalidations.Load(),
	}
}

// Executor models the GPU timeline for submitted query batches. The real
// implementation encodes compute work and signals completion through
// asynchronous buffer mapping; the CPU executor models the same latency so
// the slot state machine behaves identically with or without a device.
// Implementations must never block in Poll.
type Executor interface {
	// Submit hands the batch occupying the given slot to the GPU timeline.
	//
	// Parameters:
	//   - slot: the pool index the batch occupies
	//   - batch: the batch being submitted
	//
	// Returns:
	//   - error: an error if the work could not be enqueued
	Submit(slot int, batch QueryBatch) error

	// Poll checks, without blocking, whether the work in the given slot has
	// completed. When done it returns the result scalars read back from the
	// GPU, or nil if the submitted results are already final.
	//
	// Parameters:
	//   - slot: the pool index to check
	//
	// Returns:
	//   - bool: true once the slot's work has completed
	//   - []float32: readback results, or nil to keep the submitted ones
	//   - error: an error if the slot's work was lost
	Poll(slot int) (bool, []float32, error)
}

// cpuExecutor completes each slot after a fixed number of polls. It backs
// deployments without a GPU device and gives tests a deterministic way to
// drive the state machine.
type cpuExecutor struct {
	mu           sync.Mutex
	latencyPolls int
	pending      map[int]int // slot -> polls remaining
}

// NewCPUExecutor creates an Executor that reports completion for each
// submitted slot after the given number of Poll calls. Callers that submit
// and poll within the same frame need a latency of at least two polls to
// preserve the one-frame result skew.
//
// Parameters:
//   - latencyPolls: polls before a slot reads as complete (minimum 1)
//
// Returns:
//   - Executor: the CPU executor
func NewCPUExecutor(latencyPolls int) Executor {
	if latencyPolls < 1 {
		latencyPolls = 1
	}
	return &cpuExecutor{
		latencyPolls: latencyPolls,
		pending:      make(map[int]int),
	}
}

func (e *cpuExecutor) Submit(slot int, _ QueryBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[slot] = e.latencyPolls
	return nil
}

func (e *cpuExecutor) Poll(slot int) (bool, []float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining, ok := e.pending[slot]
	if !ok {
		return false, nil, fmt.Errorf("readback: poll of slot %d with no submitted work", slot)
	}
	remaining--
	if remaining > 0 {
		e.pending[slot] = remaining
		return false, nil, nil
	}
	delete(e.pending, slot)
	// CPU-tested batches carry their final results from submission.
	return true, nil, nil
}

// visibleFromResult folds a result scalar to the boolean consumed by draw
// submission: both a true occlusion and an off-screen reject mean "do not
// draw".
func visibleFromResult(r float32) bool {
	return r != hiz.ResultOccluded && r != hiz.ResultOffscreen
}
