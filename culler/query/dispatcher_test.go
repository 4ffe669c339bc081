package query

import (
	"math"
	"testing"

	"github.com/Carmen-Shannon/oxy-cull/common"
	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
)

// identityCam returns camera matrices whose view-projection is the identity,
// so world coordinates are already normalized device coordinates. Keeps the
// geometry in tests readable.
func identityCam() common.CameraMatrices {
	var cam common.CameraMatrices
	common.Identity(cam.View[:])
	common.Identity(cam.Projection[:])
	common.Identity(cam.ViewProj[:])
	return cam
}

// uniformPyramid builds a pyramid over a w x h depth buffer filled with the
// given value.
func uniformPyramid(t *testing.T, w, h uint32, value float32) *hiz.DepthPyramid {
	t.Helper()
	depth := make([]float32, w*h)
	for i := range depth {
		depth[i] = value
	}
	p, err := hiz.Build(depth, w, h, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

// fullscreenBox covers the entire NDC range in x/y at the given depth span.
func fullscreenBox(zNear, zFar float32) common.AABB {
	return common.AABB{
		Min: [3]float32{-1, -1, zNear},
		Max: [3]float32{1, 1, zFar},
	}
}

func dispatchOne(t *testing.T, d Dispatcher, c Candidate, pyramid *hiz.DepthPyramid, vp common.Viewport) float32 {
	t.Helper()
	results := make([]float32, 1)
	d.Dispatch([]Candidate{c}, identityCam(), pyramid, vp, results)
	return results[0]
}

func TestCandidateBehindUniformOccluder(t *testing.T) {
	// 4x4 depth buffer of 0.5 (larger = farther); a full-screen candidate at
	// nearest depth 0.9 sits behind it.
	d := NewDispatcher(WithWorkers(2))
	pyramid := uniformPyramid(t, 4, 4, 0.5)

	have := dispatchOne(t, d, Candidate{ID: 1, Box: fullscreenBox(0.9, 0.95)}, pyramid, common.Viewport{Width: 4, Height: 4})
	if have != hiz.ResultOccluded {
		t.Fatalf("candidate behind occluder:\nhave %v\nwant ResultOccluded", have)
	}
}

func TestCandidateInFrontOfUniformOccluder(t *testing.T) {
	// Same rectangle with nearest depth 0.1: nearer than the occluder.
	d := NewDispatcher(WithWorkers(2))
	pyramid := uniformPyramid(t, 4, 4, 0.5)

	have := dispatchOne(t, d, Candidate{ID: 1, Box: fullscreenBox(0.1, 0.95)}, pyramid, common.Viewport{Width: 4, Height: 4})
	if have != hiz.ResultVisible {
		t.Fatalf("candidate in front of occluder:\nhave %v\nwant ResultVisible", have)
	}
}

func TestOffscreenEarlyRejectBeatsOcclusion(t *testing.T) {
	// The pyramid reports the strongest possible occluder everywhere, so an
	// occlusion test would also reject — the early path must fire first and
	// be distinguishable by its sentinel value.
	d := NewDispatcher(WithWorkers(2))
	pyramid := uniformPyramid(t, 4, 4, 0.0)

	box := common.AABB{
		Min: [3]float32{2.5, -0.5, 0.9},
		Max: [3]float32{3.5, 0.5, 0.95},
	}
	have := dispatchOne(t, d, Candidate{ID: 1, Box: box}, pyramid, common.Viewport{Width: 4, Height: 4})
	if have != hiz.ResultOffscreen {
		t.Fatalf("off-screen candidate:\nhave %v\nwant ResultOffscreen", have)
	}
}

func TestBehindCameraAssumesVisible(t *testing.T) {
	var cam common.CameraMatrices
	proj := make([]float32, 16)
	view := make([]float32, 16)
	common.Perspective(proj, math.Pi/2, 1, 0.1, 100)
	common.LookAt(view, 0, 0, 0, 0, 0, -1, 0, 1, 0)
	common.Mul4(cam.ViewProj[:], proj, view)

	d := NewDispatcher(WithWorkers(2))
	pyramid := uniformPyramid(t, 4, 4, 0.0)

	// Box behind the camera projects with w <= 0: numerically degenerate,
	// assume visible rather than guessing.
	box := common.AABB{Min: [3]float32{-1, -1, 9}, Max: [3]float32{1, 1, 11}}
	results := make([]float32, 1)
	d.Dispatch([]Candidate{{ID: 1, Box: box}}, cam, pyramid, common.Viewport{Width: 4, Height: 4}, results)
	if results[0] != hiz.ResultVisible {
		t.Fatalf("behind-camera candidate:\nhave %v\nwant ResultVisible", results[0])
	}
}

func TestNilPyramidAssumesVisible(t *testing.T) {
	d := NewDispatcher(WithWorkers(2))

	candidates := []Candidate{
		{ID: 1, Box: fullscreenBox(0.9, 0.95)},
		{ID: 2, Box: fullscreenBox(0.1, 0.2)},
	}
	results := make([]float32, len(candidates))
	d.Dispatch(candidates, identityCam(), nil, common.Viewport{Width: 4, Height: 4}, results)
	for i, r := range results {
		if r != hiz.ResultVisible {
			t.Fatalf("degenerate frame candidate %d:\nhave %v\nwant ResultVisible", i, r)
		}
	}
}

func TestEpsilonSuppressesZFighting(t *testing.T) {
	// Candidate depth equals the occluder depth exactly: within epsilon, the
	// comparison must not flag occlusion.
	d := NewDispatcher(WithWorkers(1), WithDepthEpsilon(1e-3))
	pyramid := uniformPyramid(t, 4, 4, 0.5)

	have := dispatchOne(t, d, Candidate{ID: 1, Box: fullscreenBox(0.5, 0.95)}, pyramid, common.Viewport{Width: 4, Height: 4})
	if have != hiz.ResultVisible {
		t.Fatalf("coplanar candidate:\nhave %v\nwant ResultVisible", have)
	}
}

func TestSmallRectSamplesEveryTexelConservatively(t *testing.T) {
	// One weak (far) occluder texel inside the footprint must dominate the
	// max combine: the candidate in front of the surrounding strong occluders
	// but behind nothing weak stays visible.
	depth := []float32{
		0.2, 0.2, 0.2, 0.2,
		0.2, 0.9, 0.2, 0.2,
		0.2, 0.2, 0.2, 0.2,
		0.2, 0.2, 0.2, 0.2,
	}
	pyramid, err := hiz.Build(depth, 4, 4, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Force level 0 sampling by covering a sub-texel rect around the weak
	// occluder texel (1,1): NDC x in [-0.5,0], y in [0, 0.5] maps to the
	// pixel box [1,2]x[1,2].
	box := common.AABB{
		Min: [3]float32{-0.5, 0.0, 0.5},
		Max: [3]float32{0.0, 0.5, 0.6},
	}
	d := NewDispatcher(WithWorkers(1), WithSmallRectTexels(16))
	have := dispatchOne(t, d, Candidate{ID: 1, Box: box}, pyramid, common.Viewport{Width: 4, Height: 4})
	if have != hiz.ResultVisible {
		t.Fatalf("candidate over weak occluder texel:\nhave %v\nwant ResultVisible", have)
	}
}

func TestLargeBatchParallelDispatch(t *testing.T) {
	// Many candidates exercise the chunked worker fan-out; half sit behind
	// the occluder, half in front.
	d := NewDispatcher(WithWorkers(4))
	pyramid := uniformPyramid(t, 64, 64, 0.5)
	vp := common.Viewport{Width: 64, Height: 64}

	const n = 1000
	candidates := make([]Candidate, n)
	for i := range candidates {
		z := float32(0.9)
		if i%2 == 1 {
			z = 0.1
		}
		candidates[i] = Candidate{ID: common.ObjectID(i), Box: fullscreenBox(z, z+0.05)}
	}

	results := make([]float32, n)
	d.Dispatch(candidates, identityCam(), pyramid, vp, results)

	for i, r := range results {
		want := hiz.ResultOccluded
		if i%2 == 1 {
			want = hiz.ResultVisible
		}
		if r != want {
			t.Fatalf("candidate %d:\nhave %v\nwant %v", i, r, want)
		}
	}
}
