package common

import (
	"math"
	"testing"
)

// testFrustum builds a frustum for a camera at the origin looking down -z.
func testFrustum() Frustum {
	proj := make([]float32, 16)
	view := make([]float32, 16)
	viewProj := make([]float32, 16)
	Perspective(proj, math.Pi/2, 1, 0.1, 100)
	LookAt(view, 0, 0, 0, 0, 0, -1, 0, 1, 0)
	Mul4(viewProj, proj, view)
	return ExtractFrustumFromMatrix(viewProj)
}

func TestFrustumContainsCenteredBox(t *testing.T) {
	f := testFrustum()
	box := AABB{Min: [3]float32{-1, -1, -11}, Max: [3]float32{1, 1, -9}}
	if !f.IntersectsAABB(box) {
		t.Fatalf("box in front of the camera reported outside the frustum")
	}
}

func TestFrustumRejectsBoxBehindCamera(t *testing.T) {
	f := testFrustum()
	box := AABB{Min: [3]float32{-1, -1, 9}, Max: [3]float32{1, 1, 11}}
	if f.IntersectsAABB(box) {
		t.Fatalf("box behind the camera reported inside the frustum")
	}
}

func TestFrustumRejectsBoxFarToTheSide(t *testing.T) {
	f := testFrustum()
	// At z=-10 with a 90 degree FOV the frustum is 10 units wide; x=50 is
	// far outside.
	box := AABB{Min: [3]float32{49, -1, -11}, Max: [3]float32{51, 1, -9}}
	if f.IntersectsAABB(box) {
		t.Fatalf("box far to the side reported inside the frustum")
	}
}

func TestFrustumKeepsStraddlingBox(t *testing.T) {
	f := testFrustum()
	// Straddles the left plane: partially visible boxes must be kept.
	box := AABB{Min: [3]float32{-50, -1, -11}, Max: [3]float32{0, 1, -9}}
	if !f.IntersectsAABB(box) {
		t.Fatalf("partially visible box reported outside the frustum")
	}
}

func TestAABBCorners(t *testing.T) {
	box := AABB{Min: [3]float32{0, 0, 0}, Max: [3]float32{1, 2, 3}}
	corners := box.Corners()
	if len(corners) != 8 {
		t.Fatalf("corner count:\nhave %d\nwant 8", len(corners))
	}
	seen := make(map[[3]float32]bool, 8)
	for _, c := range corners {
		seen[c] = true
	}
	if len(seen) != 8 {
		t.Fatalf("corners are not distinct:\nhave %d unique\nwant 8", len(seen))
	}
	if !seen[[3]float32{0, 0, 0}] || !seen[[3]float32{1, 2, 3}] {
		t.Fatalf("corners missing the min or max corner")
	}
}
