package common

import (
	"math"
	"testing"
)

func TestTransformPointIdentity(t *testing.T) {
	m := make([]float32, 16)
	Identity(m)

	x, y, z, ok := TransformPoint(m, 0.25, -0.5, 0.75)
	if !ok {
		t.Fatalf("identity projection reported degenerate")
	}
	if x != 0.25 || y != -0.5 || z != 0.75 {
		t.Fatalf("identity projection:\nhave (%v, %v, %v)\nwant (0.25, -0.5, 0.75)", x, y, z)
	}
}

func TestTransformPointBehindCamera(t *testing.T) {
	proj := make([]float32, 16)
	view := make([]float32, 16)
	viewProj := make([]float32, 16)
	Perspective(proj, math.Pi/2, 1, 0.1, 100)
	LookAt(view, 0, 0, 0, 0, 0, -1, 0, 1, 0)
	Mul4(viewProj, proj, view)

	// Camera looks down -z; a point at +z is behind it.
	if _, _, _, ok := TransformPoint(viewProj, 0, 0, 5); ok {
		t.Fatalf("behind-camera point did not report degenerate")
	}
	// A point in front projects fine and lands inside the depth range.
	_, _, z, ok := TransformPoint(viewProj, 0, 0, -10)
	if !ok {
		t.Fatalf("in-front point reported degenerate")
	}
	if z < 0 || z > 1 {
		t.Fatalf("projected depth outside [0,1]:\nhave %v", z)
	}
}

func TestPerspectiveDepthOrdering(t *testing.T) {
	proj := make([]float32, 16)
	view := make([]float32, 16)
	viewProj := make([]float32, 16)
	Perspective(proj, math.Pi/3, 16.0/9.0, 0.1, 100)
	LookAt(view, 0, 0, 0, 0, 0, -1, 0, 1, 0)
	Mul4(viewProj, proj, view)

	_, _, zNear, _ := TransformPoint(viewProj, 0, 0, -1)
	_, _, zFar, _ := TransformPoint(viewProj, 0, 0, -50)
	if zNear >= zFar {
		t.Fatalf("depth convention broken: near %v should be smaller than far %v", zNear, zFar)
	}
}

func TestMul4Identity(t *testing.T) {
	id := make([]float32, 16)
	Identity(id)
	m := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
	out := make([]float32, 16)
	Mul4(out, id, m)
	for i := range m {
		if out[i] != m[i] {
			t.Fatalf("Mul4 with identity at %d:\nhave %v\nwant %v", i, out[i], m[i])
		}
	}
}

func TestSliceToBytes(t *testing.T) {
	if b := SliceToBytes[float32](nil); b != nil {
		t.Fatalf("nil slice:\nhave %v\nwant nil", b)
	}
	b := SliceToBytes([]float32{1, 2})
	if len(b) != 8 {
		t.Fatalf("byte length:\nhave %d\nwant 8", len(b))
	}
}
