package readback

import (
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-cull/common"
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
)

// fakeExecutor gives tests direct control over per-slot completion, readback
// payloads, and failures.
type fakeExecutor struct {
	done      map[int]bool
	results   map[int][]float32
	pollErrs  map[int]error
	submitErr error
	submits   []int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		done:     make(map[int]bool),
		results:  make(map[int][]float32),
		pollErrs: make(map[int]error),
	}
}

func (e *fakeExecutor) Submit(slot int, _ QueryBatch) error {
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submits = append(e.submits, slot)
	return nil
}

func (e *fakeExecutor) Poll(slot int) (bool, []float32, error) {
	if err := e.pollErrs[slot]; err != nil {
		return false, nil, err
	}
	if !e.done[slot] {
		return false, nil, nil
	}
	return true, e.results[slot], nil
}

func batchOf(frame, gen uint64, ids []common.ObjectID, results []float32) QueryBatch {
	return QueryBatch{Frame: frame, Generation: gen, IDs: ids, Results: results}
}

func TestSubmitApplyRoundTrip(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec))

	batch := batchOf(1, 0,
		[]common.ObjectID{1, 2, 3},
		[]float32{hiz.ResultVisible, hiz.ResultOccluded, hiz.ResultOffscreen})
	h, err := m.Submit(batch)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	exec.done[h.Slot] = true
	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("applied:\nhave %d\nwant 1", applied)
	}

	vis := m.Visibility()
	if !vis.Visible(1) {
		t.Fatalf("id 1 tested visible but table says hidden")
	}
	if vis.Visible(2) {
		t.Fatalf("occluded id 2 still visible")
	}
	// Off-screen is a distinct result value but also means "do not draw".
	if vis.Visible(3) {
		t.Fatalf("off-screen id 3 still visible")
	}
}

func TestPollAndApplyIsIdempotent(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec))

	h, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	exec.done[h.Slot] = true

	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("first apply:\nhave %d\nwant 1", applied)
	}
	if applied := m.PollAndApply(); applied != 0 {
		t.Fatalf("second apply with no new completions:\nhave %d\nwant 0", applied)
	}
	if stats := m.Stats(); stats.Applied != 1 {
		t.Fatalf("Stats.Applied:\nhave %d\nwant 1", stats.Applied)
	}
}

func TestApplyPreservesSubmissionOrder(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec), WithBufferDepth(2))

	// Batch A marks id 1 occluded, batch B (submitted later) marks it visible.
	hA, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded}))
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	hB, err := m.Submit(batchOf(2, 0, []common.ObjectID{1}, []float32{hiz.ResultVisible}))
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}

	// Only the later batch has completed: the ring must hold B back until A
	// is done, so nothing applies yet.
	exec.done[hB.Slot] = true
	if applied := m.PollAndApply(); applied != 0 {
		t.Fatalf("apply with ring head pending:\nhave %d\nwant 0", applied)
	}
	if states := m.SlotStates(); states[hA.Slot] != SlotReadbackPending {
		t.Fatalf("ring head state:\nhave %v\nwant ReadbackPending", states[hA.Slot])
	}

	// Once A completes both drain, in order: B's result lands last.
	exec.done[hA.Slot] = true
	if applied := m.PollAndApply(); applied != 2 {
		t.Fatalf("apply after head completion:\nhave %d\nwant 2", applied)
	}
	if !m.Visibility().Visible(1) {
		t.Fatalf("later batch's result was not the final word")
	}
}

func TestSlotExhaustionRejectsWithoutBlocking(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec), WithBufferDepth(2))

	for frame := uint64(1); frame <= 2; frame++ {
		if _, err := m.Submit(batchOf(frame, 0, []common.ObjectID{common.ObjectID(frame)}, []float32{hiz.ResultOccluded})); err != nil {
			t.Fatalf("Submit frame %d: %v", frame, err)
		}
	}

	_, err := m.Submit(batchOf(3, 0, []common.ObjectID{3}, []float32{hiz.ResultOccluded}))
	if !errors.Is(err, ErrSlotExhaustion) {
		t.Fatalf("third submit with both slots in flight:\nhave %v\nwant ErrSlotExhaustion", err)
	}
	if stats := m.Stats(); stats.SlotExhaustions != 1 {
		t.Fatalf("Stats.SlotExhaustions:\nhave %d\nwant 1", stats.SlotExhaustions)
	}
	// The skipped batch must not touch the table: id 3 stays default visible.
	if !m.Visibility().Visible(3) {
		t.Fatalf("skipped batch leaked into the visibility table")
	}
}

func TestStaleGenerationDiscardedOnResize(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec))
	m.SetGeneration(1)

	// In-flight batch tested against the generation-1 pyramid (say 800x600).
	h, err := m.Submit(batchOf(1, 1, []common.ObjectID{1, 2}, []float32{hiz.ResultOccluded, hiz.ResultOccluded}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Render target resized (1920x1080): new pyramid generation before the
	// old batch lands.
	m.SetGeneration(2)
	exec.done[h.Slot] = true

	if applied := m.PollAndApply(); applied != 0 {
		t.Fatalf("stale batch applied:\nhave %d applied\nwant 0", applied)
	}
	stats := m.Stats()
	if stats.StaleDiscards != 1 {
		t.Fatalf("Stats.StaleDiscards:\nhave %d\nwant 1", stats.StaleDiscards)
	}
	// Discarded results never hide geometry: both ids fall back to visible.
	if !m.Visibility().Visible(1) || !m.Visibility().Visible(2) {
		t.Fatalf("stale occlusion results leaked into the visibility table")
	}
	// The slot is free again for the next frame's batch.
	if states := m.SlotStates(); states[h.Slot] != SlotIdle {
		t.Fatalf("stale slot state:\nhave %v\nwant Idle", states[h.Slot])
	}
}

func TestInvalidateReleasesInFlightSlots(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec), WithBufferDepth(2))

	for frame := uint64(1); frame <= 2; frame++ {
		if _, err := m.Submit(batchOf(frame, 0, []common.ObjectID{common.ObjectID(frame)}, []float32{hiz.ResultOccluded})); err != nil {
			t.Fatalf("Submit frame %d: %v", frame, err)
		}
	}

	m.Invalidate()

	for _, s := range m.SlotStates() {
		if s != SlotIdle {
			t.Fatalf("slot state after Invalidate:\nhave %v\nwant Idle", s)
		}
	}
	if !m.Visibility().Visible(1) || !m.Visibility().Visible(2) {
		t.Fatalf("ids from dropped batches are not visible")
	}
	if stats := m.Stats(); stats.Invalidations != 1 {
		t.Fatalf("Stats.Invalidations:\nhave %d\nwant 1", stats.Invalidations)
	}

	// The pool is usable immediately after invalidation.
	if _, err := m.Submit(batchOf(3, 0, []common.ObjectID{3}, []float32{hiz.ResultVisible})); err != nil {
		t.Fatalf("Submit after Invalidate: %v", err)
	}
}

func TestPollErrorDiscardsSlotAndAdvances(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec), WithBufferDepth(2))

	hA, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded}))
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	hB, err := m.Submit(batchOf(2, 0, []common.ObjectID{2}, []float32{hiz.ResultOccluded}))
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}

	// Slot A's work was lost; slot B completed normally. The lost batch is
	// discarded without blocking the batch behind it.
	exec.pollErrs[hA.Slot] = errors.New("device lost the buffer")
	exec.done[hB.Slot] = true

	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("applied after poll failure:\nhave %d\nwant 1", applied)
	}
	if !m.Visibility().Visible(1) {
		t.Fatalf("lost batch's id is not default visible")
	}
	if m.Visibility().Visible(2) {
		t.Fatalf("completed batch after the failed one was not applied")
	}
	if states := m.SlotStates(); states[hA.Slot] != SlotIdle || states[hB.Slot] != SlotIdle {
		t.Fatalf("slot states after drain:\nhave %v\nwant all Idle", states)
	}
}

func TestSubmitErrorReleasesSlot(t *testing.T) {
	exec := newFakeExecutor()
	exec.submitErr = errors.New("queue full")
	m := NewManager(WithExecutor(exec))

	_, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded}))
	if err == nil || errors.Is(err, ErrSlotExhaustion) {
		t.Fatalf("submit with failing executor:\nhave %v\nwant wrapped executor error", err)
	}

	// The claimed slot must be released so the next frame can retry.
	exec.submitErr = nil
	if _, err := m.Submit(batchOf(2, 0, []common.ObjectID{1}, []float32{hiz.ResultVisible})); err != nil {
		t.Fatalf("Submit after executor recovery: %v", err)
	}
}

func TestExecutorReadbackOverridesSubmittedResults(t *testing.T) {
	// A GPU-style executor returns the readback payload from Poll; the
	// manager must apply that payload, not the placeholder submitted with the
	// batch.
	exec := newFakeExecutor()
	m := NewManager(WithExecutor(exec))

	h, err := m.Submit(batchOf(1, 0, []common.ObjectID{7}, []float32{hiz.ResultVisible}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	exec.done[h.Slot] = true
	exec.results[h.Slot] = []float32{hiz.ResultOccluded}

	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("applied:\nhave %d\nwant 1", applied)
	}
	if m.Visibility().Visible(7) {
		t.Fatalf("readback result was ignored in favor of the submitted placeholder")
	}
}

func TestCPUExecutorModelsLatency(t *testing.T) {
	// Latency of two polls: the batch submitted on frame N is not applied
	// until the second PollAndApply, preserving the one-frame result skew.
	m := NewManager(WithExecutor(NewCPUExecutor(2)))

	if _, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if applied := m.PollAndApply(); applied != 0 {
		t.Fatalf("apply on submission frame:\nhave %d\nwant 0", applied)
	}
	// The table still serves the previous state while the batch is in flight.
	if !m.Visibility().Visible(1) {
		t.Fatalf("in-flight result visible before completion")
	}
	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("apply on next frame:\nhave %d\nwant 1", applied)
	}
	if m.Visibility().Visible(1) {
		t.Fatalf("occlusion result not applied after latency elapsed")
	}
}

func TestDefaultManagerModelsFrameSkew(t *testing.T) {
	// A default-constructed manager must not complete a batch on the first
	// poll: callers submit and poll back to back in a frame, so one poll of
	// latency would apply a frame's own batch within that frame.
	m := NewManager()

	if _, err := m.Submit(batchOf(1, 0, []common.ObjectID{1}, []float32{hiz.ResultOccluded})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if applied := m.PollAndApply(); applied != 0 {
		t.Fatalf("apply on submission frame:\nhave %d\nwant 0", applied)
	}
	if !m.Visibility().Visible(1) {
		t.Fatalf("in-flight result visible before completion")
	}
	if applied := m.PollAndApply(); applied != 1 {
		t.Fatalf("apply on next frame:\nhave %d\nwant 1", applied)
	}
	if m.Visibility().Visible(1) {
		t.Fatalf("occlusion result not applied on the following poll")
	}
}

func TestUnknownIDDefaultsVisible(t *testing.T) {
	table := NewVisibilityTable()
	if !table.Visible(42) {
		t.Fatalf("never-tested id reads as hidden")
	}
	if table.Len() != 0 {
		t.Fatalf("Len:\nhave %d\nwant 0", table.Len())
	}
}

func TestSlotStateString(t *testing.T) {
	cases := []struct {
		state SlotState
		want  string
	}{
		{SlotIdle, "Idle"},
		{SlotSubmitted, "Submitted"},
		{SlotReadbackPending, "ReadbackPending"},
		{SlotReadyToApply, "ReadyToApply"},
	}
	for _, c := range cases {
		if have := c.state.String(); have != c.want {
			t.Fatalf("SlotState.String:\nhave %q\nwant %q", have, c.want)
		}
	}
}
