package culler

import (
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
	"github.com/Carmen-Shannon/oxy-cull/culler/query"
	"github.com/Carmen-Shannon/oxy-cull/culler/readback"
	"github.com/cogentcore/webgpu/wgpu"
)

// GPUBackend drives the GPU-resident culling path: the Hi-Z mip-chain
// reduction and the per-candidate query kernel both execute on the GPU
// timeline, and completed result buffers are read back asynchronously. A
// backend doubles as the result manager's Executor so batch completion is
// observed through the same non-blocking poll the CPU path uses.
type GPUBackend interface {
	readback.Executor

	// ConfigureTarget (re)creates the Hi-Z texture chain and per-slot result
	// buffers for the given render-target dimensions. Must be called before
	// the first EncodeHiZ and again after every resize; in-flight readbacks
	// referencing the old resources are abandoned.
	//
	// Parameters:
	//   - width: render-target width in pixels
	//   - height: render-target height in pixels
	//
	// Returns:
	//   - error: an error if resource creation fails
	ConfigureTarget(width, height uint32) error

	// EncodeHiZ encodes and submits the mip-chain reduction from the depth
	// pre-pass view into the backend's Hi-Z texture. Returns immediately;
	// the GPU executes on its own timeline.
	//
	// Parameters:
	//   - depthView: the resolved opaque depth for the frame, as an r32float view
	//
	// Returns:
	//   - error: an error if command encoding fails
	EncodeHiZ(depthView *wgpu.TextureView) error

	// StageCandidates records the frame's candidate batch and query
	// parameters for upload by the next Submit call. The staged data is the
	// struct-of-arrays layout defined in hiz's gpu_types.
	//
	// Parameters:
	//   - candidates: the frame's candidate snapshot
	//   - params: the query kernel's uniform parameters
	StageCandidates(candidates []query.Candidate, params *hiz.GPUQueryParams)

	// Release frees all GPU resources held by the backend.
	Release()
}
