// package query implements the occlusion query dispatcher: the per-frame pass
// that projects candidate bounding boxes to screen space and tests them
// against the Hi-Z depth pyramid built the same frame.
package query

import (
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-cull/common"
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
)

// DefaultSmallRectTexels is the default threshold below which every texel
// covered by the candidate's rectangle is sampled. Larger rectangles fall
// back to sampling only the 4 corner texels — a documented precision trade
// that may rarely misjudge irregular occluders in favor of cheaper queries.
// Tunable per target hardware, not a correctness invariant.
const DefaultSmallRectTexels = 4

// DefaultDepthEpsilon is the default guard band applied when comparing a
// candidate's nearest depth against sampled occluder depth, avoiding
// z-fighting false positives at coplanar geometry.
const DefaultDepthEpsilon float32 = 1e-4

// Candidate pairs an object id with its world-space bounding volume. The
// slice handed to Dispatch is treated as an immutable snapshot for the
// duration of the call.
type Candidate struct {
	ID  common.ObjectID
	Box common.AABB
}

// dispatcher is the implementation of the Dispatcher interface.
type dispatcher struct {
	smallRectTexels int
	depthEpsilon    float32

	// queryPool manages a bounded set of reusable goroutines for the parallel
	// per-candidate query phase. Workers persist across frames, avoiding
	// per-frame goroutine spawn/teardown overhead.
	queryPool    worker.DynamicWorkerPool
	queryWorkers int // stored so we can log/inspect the configured count
}

// Dispatcher runs one frame's occlusion queries. Every candidate is tested
// independently — there is no ordering or cross-candidate synchronization, so
// the work fans out across a persistent worker pool.
type Dispatcher interface {
	// Dispatch tests each candidate against the pyramid and writes one result
	// scalar per candidate into results (hiz.ResultOccluded, ResultVisible,
	// or ResultOffscreen). The candidate slice and pyramid are read-only; the
	// only side effect is the write into results.
	//
	// A nil pyramid (degenerate depth buffer this frame) marks every
	// candidate visible.
	//
	// Parameters:
	//   - candidates: the frustum-culled candidate snapshot for the frame
	//   - cam: the camera matrices for the frame
	//   - pyramid: the depth pyramid built this frame, or nil
	//   - viewport: render-target dimensions in pixels
	//   - results: destination slice, must be at least len(candidates) long
	Dispatch(candidates []Candidate, cam common.CameraMatrices, pyramid *hiz.DepthPyramid, viewport common.Viewport, results []float32)

	// Workers returns the configured parallel worker count.
	//
	// Returns:
	//   - int: the worker count
	Workers() int
}

// Ensure dispatcher implements Dispatcher interface.
var _ Dispatcher = &dispatcher{}

// NewDispatcher creates a Dispatcher with the provided options.
//
// Parameters:
//   - options: functional options to configure the dispatcher
//
// Returns:
//   - Dispatcher: the newly created dispatcher
func NewDispatcher(options ...DispatcherOption) Dispatcher {
	d := &dispatcher{
		smallRectTexels: DefaultSmallRectTexels,
		depthEpsilon:    DefaultDepthEpsilon,
		queryWorkers:    max(runtime.NumCPU()-1, 1),
	}

	for _, option := range options {
		option(d)
	}

	// Initialize the query pool after options so WithWorkers can override the
	// default. Queue size of 256 accommodates one chunk per worker with headroom.
	d.queryPool = worker.NewDynamicWorkerPool(d.queryWorkers, 256, 1*time.Second)

	return d
}

func (d *dispatcher) Workers() int {
	return d.queryWorkers
}

func (d *dispatcher) Dispatch(candidates []Candidate, cam common.CameraMatrices, pyramid *hiz.DepthPyramid, viewport common.Viewport, results []float32) {
	if len(candidates) == 0 {
		return
	}

	// Degenerate frame: no pyramid means no occluder information, so every
	// candidate is assumed visible.
	if pyramid == nil || viewport.Width == 0 || viewport.Height == 0 {
		for i := range candidates {
			results[i] = hiz.ResultVisible
		}
		return
	}

	// Fan out in contiguous chunks, one task per worker. A WaitGroup provides
	// the per-frame barrier since pool.Wait() blocks until workers idle-exit,
	// which is unsuitable for frame-rate workloads.
	chunk := (len(candidates) + d.queryWorkers - 1) / d.queryWorkers
	var wg sync.WaitGroup
	taskID := 0
	for start := 0; start < len(candidates); start += chunk {
		end := min(start+chunk, len(candidates))

		wg.Add(1)
		lo, hi := start, end // capture for closure
		id := taskID
		taskID++
		d.queryPool.SubmitTask(worker.Task{
			ID: id,
			Do: func() (any, error) {
				defer wg.Done()
				for i := lo; i < hi; i++ {
					results[i] = d.testCandidate(candidates[i], cam.ViewProj[:], pyramid, viewport)
				}
				return nil, nil
			},
		})
	}
	wg.Wait()
}

// testCandidate runs the full conservative occlusion test for one candidate.
// Mirrors the GPU query kernel (assets/occlusion_query.wgsl) step for step.
func (d *dispatcher) testCandidate(c Candidate, viewProj []float32, pyramid *hiz.DepthPyramid, viewport common.Viewport) float32 {
	vpW := float32(viewport.Width)
	vpH := float32(viewport.Height)

	// Project all 8 AABB corners and accumulate the screen rectangle plus the
	// candidate's nearest (closest possible) post-projection depth.
	var rectMinX, rectMinY = float32(1e30), float32(1e30)
	var rectMaxX, rectMaxY = float32(-1e30), float32(-1e30)
	nearest := float32(1e30)

	for _, corner := range c.Box.Corners() {
		ndcX, ndcY, ndcZ, ok := common.TransformPoint(viewProj, corner[0], corner[1], corner[2])
		if !ok {
			// A corner at or behind the camera plane makes the screen
			// rectangle unbounded. Skip the test, assume visible.
			return hiz.ResultVisible
		}

		// NDC y points up; pixel y points down.
		px := (ndcX*0.5 + 0.5) * vpW
		py := (1.0 - (ndcY*0.5 + 0.5)) * vpH

		rectMinX = min(rectMinX, px)
		rectMinY = min(rectMinY, py)
		rectMaxX = max(rectMaxX, px)
		rectMaxY = max(rectMaxY, py)
		nearest = min(nearest, ndcZ)
	}

	// Entirely outside the viewport: early reject without touching the
	// pyramid. Distinct result value so this path is observable.
	if rectMaxX < 0 || rectMaxY < 0 || rectMinX >= vpW || rectMinY >= vpH {
		return hiz.ResultOffscreen
	}

	rectW := rectMaxX - rectMinX
	rectH := rectMaxY - rectMinY
	if rectW <= 0 || rectH <= 0 {
		// Zero-area projection (edge-on box): numerically degenerate.
		return hiz.ResultVisible
	}

	level := hiz.SelectLevel(rectW, rectH, pyramid.LevelCount()-1)
	scale := float32(int32(1) << level)

	tx0 := int(rectMinX / scale)
	ty0 := int(rectMinY / scale)
	tx1 := int(rectMaxX / scale)
	ty1 := int(rectMaxY / scale)

	// Sample occluder depth. Small footprints sample every covered texel;
	// larger ones only the 4 corners. Combine with max (farthest), the
	// extreme that favors "possibly visible".
	occluder := float32(-1e30)
	covered := (tx1 - tx0 + 1) * (ty1 - ty0 + 1)
	if covered <= d.smallRectTexels {
		for ty := ty0; ty <= ty1; ty++ {
			for tx := tx0; tx <= tx1; tx++ {
				occluder = max(occluder, pyramid.Texel(level, tx, ty))
			}
		}
	} else {
		occluder = max(occluder, pyramid.Texel(level, tx0, ty0))
		occluder = max(occluder, pyramid.Texel(level, tx1, ty0))
		occluder = max(occluder, pyramid.Texel(level, tx0, ty1))
		occluder = max(occluder, pyramid.Texel(level, tx1, ty1))
	}

	// Occluded only if unambiguously farther than every sampled occluder.
	if nearest > occluder+d.depthEpsilon {
		return hiz.ResultOccluded
	}
	return hiz.ResultVisible
}
