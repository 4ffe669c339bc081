package readback

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-cull/common"
)

// VisibilityTable is the authoritative ObjectID -> visible mapping consumed
// by the draw-submission collaborator. It persists across frames and is
// mutated only by the manager's apply step. Ids with no completed result yet
// default to visible — the design always prefers wasted overdraw to visibly
// missing geometry.
//
// Thread-safe: the render thread reads while the culling step applies.
type VisibilityTable struct {
	mu      sync.RWMutex
	visible map[common.ObjectID]bool
}

// NewVisibilityTable creates an empty table.
//
// Returns:
//   - *VisibilityTable: the newly created table
func NewVisibilityTable() *VisibilityTable {
	return &VisibilityTable{
		visible: make(map[common.ObjectID]bool),
	}
}

// Visible reports whether the object should be drawn. Unknown ids are
// visible by default.
//
// Parameters:
//   - id: the object to query
//
// Returns:
//   - bool: true if the object should be drawn
func (t *VisibilityTable) Visible(id common.ObjectID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.visible[id]
	if !ok {
		return true
	}
	return v
}

// Apply records one result scalar per id from a completed batch.
//
// Parameters:
//   - ids: the batch's object ids, in result order
//   - results: one scalar per id
func (t *VisibilityTable) Apply(ids []common.ObjectID, results []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, id := range ids {
		if i >= len(results) {
			break
		}
		t.visible[id] = visibleFromResult(results[i])
	}
}

// SetAll forces every given id to the same visibility, used when discarding
// stale batches (their ids fall back to visible).
//
// Parameters:
//   - ids: the object ids to set
//   - visible: the visibility to record
func (t *VisibilityTable) SetAll(ids []common.ObjectID, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		t.visible[id] = visible
	}
}

// Len returns the number of ids with a recorded visibility.
//
// Returns:
//   - int: the recorded id count
func (t *VisibilityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.visible)
}

// Snapshot returns a copy of the table for consumers that iterate outside
// the table's lock.
//
// Returns:
//   - map[common.ObjectID]bool: a copy of the recorded visibilities
func (t *VisibilityTable) Snapshot() map[common.ObjectID]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp := make(map[common.ObjectID]bool, len(t.visible))
	for k, v := range t.visible {
		cp[k] = v
	}
	return cp
}
