// package culler sequences the occlusion-culling subsystem against the frame
// loop: depth pre-pass consumption, Hi-Z pyramid build, query dispatch, batch
// submission, and the apply of previously completed batches. The submit and
// the apply of a single frame always concern different batches — results
// carry a permanent one-frame skew by design, never a same-frame readback
// stall.
package culler

import (
	"errors"
	"log"
	"sync"

	"github.com/Carmen-Shannon/oxy-cull/common"
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
	"github.com/Carmen-Shannon/oxy-cull/culler/profiler"
	"github.com/Carmen-Shannon/oxy-cull/culler/query"
	"github.com/Carmen-Shannon/oxy-cull/culler/readback"
	"github.com/cogentcore/webgpu/wgpu"
)

// FrameReport summarizes one culling frame for observability. Every failure
// mode in the subsystem degrades to assume-visible and shows up here and in
// Stats rather than as a hard error.
type FrameReport struct {
	// Frame is the frame counter for this report.
	Frame uint64
	// Generation is the pyramid generation the frame ran against.
	Generation uint64
	// Candidates is the number of candidates dispatched.
	Candidates int
	// Occluded is the number of candidates the queries marked occluded.
	Occluded int
	// Offscreen is the number rejected by the off-screen early path.
	Offscreen int
	// PyramidLevels is the level count of this frame's pyramid (0 when degenerate).
	PyramidLevels int
	// Degenerate is true when no pyramid could be built and every test was
	// forced to assume-visible.
	Degenerate bool
	// Submitted is true when the frame's batch claimed a result slot.
	Submitted bool
	// Skipped is true when slot exhaustion dropped the batch (candidates
	// keep their previous visibility).
	Skipped bool
	// Applied is the number of previously submitted batches applied this frame.
	Applied int
}

// culler is the implementation of the Culler interface.
type culler struct {
	mu *sync.Mutex

	frame        uint64
	generation   uint64
	lastViewport common.Viewport

	maxPyramidLevels int

	dispatcher query.Dispatcher
	manager    readback.Manager
	backend    GPUBackend

	prof             *profiler.Profiler
	profilingEnabled bool
	staleSeen        uint64 // manager StaleDiscards already fed to the profiler
}

// Culler is the entry point of the occlusion-culling subsystem. One Culler
// serves one render target; the scene and frustum-culling collaborators feed
// it a candidate snapshot per frame and the draw-submission collaborator
// consumes its visibility table.
type Culler interface {
	// Frame runs one culling frame on CPU data: builds the Hi-Z pyramid from
	// the resolved depth buffer, dispatches this frame's queries, submits the
	// batch, and applies any previously completed batches. Never blocks on
	// GPU work and never returns a hard error — all failures degrade to
	// assume-visible and are reported.
	//
	// Parameters:
	//   - depth: row-major opaque depth values (larger = farther), length width*height
	//   - viewport: render-target dimensions; changes bump the generation
	//   - candidates: the frustum-culled candidate snapshot (read-only this call)
	//   - cam: the camera matrices for the frame
	//
	// Returns:
	//   - FrameReport: counters describing what the frame did
	Frame(depth []float32, viewport common.Viewport, candidates []query.Candidate, cam common.CameraMatrices) FrameReport

	// FrameTexture runs one culling frame with GPU-resident queries: the
	// configured backend reduces the pre-pass depth view into the Hi-Z mip
	// chain and runs the query kernel, with results read back asynchronously
	// over the following frames. Requires a GPU backend; without one the
	// frame degrades to assume-visible.
	//
	// Parameters:
	//   - depthView: the depth pre-pass texture view for the frame
	//   - viewport: render-target dimensions; changes bump the generation
	//   - candidates: the frustum-culled candidate snapshot (read-only this call)
	//   - cam: the camera matrices for the frame
	//
	// Returns:
	//   - FrameReport: counters describing what the frame did
	FrameTexture(depthView *wgpu.TextureView, viewport common.Viewport, candidates []query.Candidate, cam common.CameraMatrices) FrameReport

	// Visibility returns the authoritative visibility table consumed by draw
	// submission. Unknown ids read as visible.
	//
	// Returns:
	//   - *readback.VisibilityTable: the table
	Visibility() *readback.VisibilityTable

	// InvalidateDevice discards all in-flight batches and forces pyramid and
	// buffer rebuilds, for device-loss style events. The following frame
	// runs assume-visible until fresh results complete.
	InvalidateDevice()

	// Generation returns the current pyramid generation tag.
	//
	// Returns:
	//   - uint64: the generation
	Generation() uint64

	// Stats returns the result manager's diagnostic counters.
	//
	// Returns:
	//   - readback.Stats: the counter snapshot
	Stats() readback.Stats

	// EnableProfiler enables per-interval culling statistics output to the log.
	EnableProfiler()

	// DisableProfiler disables culling statistics output.
	DisableProfiler()
}

// Ensure culler implements Culler interface.
var _ Culler = &culler{}

// NewCuller creates a Culler with the provided options. Without options it
// runs the CPU query path with a worker pool sized to the machine and a
// two-deep result-buffer pool.
//
// Parameters:
//   - options: functional options to configure the culler
//
// Returns:
//   - Culler: the newly created culler
func NewCuller(options ...CullerOption) Culler {
	c := &culler{
		mu:               &sync.Mutex{},
		maxPyramidLevels: hiz.DefaultMaxLevels,
		prof:             profiler.NewProfiler(),
	}

	for _, option := range options {
		option(c)
	}

	if c.dispatcher == nil {
		c.dispatcher = query.NewDispatcher()
	}
	if c.manager == nil {
		if c.backend != nil {
			c.manager = readback.NewManager(readback.WithExecutor(c.backend))
		} else {
			// The default CPU executor models enough latency that a batch
			// submitted on frame N completes during frame N+1.
			c.manager = readback.NewManager()
		}
	}

	return c
}

func (c *culler) Frame(depth []float32, viewport common.Viewport, candidates []query.Candidate, cam common.CameraMatrices) FrameReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := c.beginFrame(viewport)

	// Hi-Z build. A degenerate depth buffer forces assume-visible for the
	// whole frame: the dispatcher treats a nil pyramid that way.
	pyramid, err := hiz.Build(depth, viewport.Width, viewport.Height, c.maxPyramidLevels)
	if err != nil {
		if !errors.Is(err, hiz.ErrDegenerateDepth) {
			log.Printf("[Culler] pyramid build failed, assuming visible: %v", err)
		}
		report.Degenerate = true
	} else {
		pyramid.Generation = c.generation
		report.PyramidLevels = pyramid.LevelCount()
	}

	// Query dispatch into this frame's result buffer.
	results := make([]float32, len(candidates))
	c.dispatcher.Dispatch(candidates, cam, pyramid, viewport, results)
	c.tally(&report, results)

	// Submit, then apply previously completed batches.
	c.submit(&report, candidates, results)
	report.Applied = c.manager.PollAndApply()

	c.finishFrame(&report)
	return report
}

func (c *culler) FrameTexture(depthView *wgpu.TextureView, viewport common.Viewport, candidates []query.Candidate, cam common.CameraMatrices) FrameReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := c.beginFrame(viewport)

	if c.backend == nil || viewport.Width <= 1 || viewport.Height <= 1 {
		report.Degenerate = true
		report.Applied = c.manager.PollAndApply()
		c.finishFrame(&report)
		return report
	}

	// Hi-Z mip chain and query kernel both run on the GPU timeline; the
	// CPU only encodes and moves on.
	if err := c.backend.EncodeHiZ(depthView); err != nil {
		log.Printf("[Culler] Hi-Z encode failed, assuming visible: %v", err)
		c.InvalidateDeviceLocked()
		report.Degenerate = true
		c.finishFrame(&report)
		return report
	}

	params := &hiz.GPUQueryParams{
		ViewProj:        cam.ViewProj,
		Viewport:        [2]float32{float32(viewport.Width), float32(viewport.Height)},
		DepthEpsilon:    query.DefaultDepthEpsilon,
		MaxLevel:        uint32(hiz.MipCount(viewport.Width, viewport.Height) - 1),
		CandidateCount:  uint32(len(candidates)),
		SmallRectTexels: query.DefaultSmallRectTexels,
	}
	c.backend.StageCandidates(candidates, params)

	// Results arrive via the backend's asynchronous readback; the submitted
	// buffer is a placeholder the readback overwrites.
	results := make([]float32, len(candidates))
	c.submit(&report, candidates, results)
	report.Applied = c.manager.PollAndApply()

	c.finishFrame(&report)
	return report
}

// beginFrame advances the frame counter and detects render-target resizes,
// bumping the generation so in-flight batches from the old configuration are
// discarded at apply time.
func (c *culler) beginFrame(viewport common.Viewport) FrameReport {
	c.frame++

	if viewport != c.lastViewport {
		c.generation++
		c.lastViewport = viewport
		c.manager.SetGeneration(c.generation)
		if c.backend != nil {
			if err := c.backend.ConfigureTarget(viewport.Width, viewport.Height); err != nil {
				log.Printf("[Culler] backend target configuration failed: %v", err)
			}
		}
	}

	return FrameReport{
		Frame:      c.frame,
		Generation: c.generation,
	}
}

// tally folds the dispatcher's result scalars into the frame report.
func (c *culler) tally(report *FrameReport, results []float32) {
	report.Candidates = len(results)
	for _, r := range results {
		switch r {
		case hiz.ResultOccluded:
			report.Occluded++
		case hiz.ResultOffscreen:
			report.Offscreen++
		}
	}
}

// submit hands this frame's batch to the result manager. Slot exhaustion
// skips the batch: candidates keep their previous visibility and untested
// ids stay default-visible, which is always safe.
func (c *culler) submit(report *FrameReport, candidates []query.Candidate, results []float32) {
	if len(candidates) == 0 {
		return
	}

	ids := make([]common.ObjectID, len(candidates))
	for i := range candidates {
		ids[i] = candidates[i].ID
	}

	_, err := c.manager.Submit(readback.QueryBatch{
		Frame:      c.frame,
		Generation: report.Generation,
		IDs:        ids,
		Results:    results,
	})
	switch {
	case err == nil:
		report.Submitted = true
	case errors.Is(err, readback.ErrSlotExhaustion):
		report.Skipped = true
	default:
		log.Printf("[Culler] batch submit failed, skipping: %v", err)
		report.Skipped = true
	}
}

// finishFrame feeds the profiler once the frame's counters are final. Stale
// discards happen inside the manager's apply step, so the frame's share is
// the delta of its counter since the previous frame.
func (c *culler) finishFrame(report *FrameReport) {
	stats := c.manager.Stats()
	stale := stats.StaleDiscards - c.staleSeen
	c.staleSeen = stats.StaleDiscards

	if !c.profilingEnabled || c.prof == nil {
		return
	}
	var exhaustion uint64
	if report.Skipped {
		exhaustion = 1
	}
	c.prof.Record(uint64(report.Candidates), uint64(report.Occluded), uint64(report.Offscreen),
		uint64(report.Applied), exhaustion, stale)
	c.prof.Tick()
}

func (c *culler) Visibility() *readback.VisibilityTable {
	return c.manager.Visibility()
}

func (c *culler) InvalidateDevice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InvalidateDeviceLocked()
}

// InvalidateDeviceLocked is the lock-held body of InvalidateDevice, shared
// with the frame paths that detect device failures mid-frame.
func (c *culler) InvalidateDeviceLocked() {
	c.generation++
	c.manager.SetGeneration(c.generation)
	c.manager.Invalidate()
	if c.backend != nil {
		if err := c.backend.ConfigureTarget(c.lastViewport.Width, c.lastViewport.Height); err != nil {
			log.Printf("[Culler] backend rebuild after invalidation failed: %v", err)
		}
	}
}

func (c *culler) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *culler) Stats() readback.Stats {
	return c.manager.Stats()
}

// EnableProfiler enables per-interval culling statistics output to the log.
func (c *culler) EnableProfiler() {
	c.profilingEnabled = true
}

// DisableProfiler disables culling statistics output.
func (c *culler) DisableProfiler() {
	c.profilingEnabled = false
}
