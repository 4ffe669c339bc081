package common

import (
	"math"
)

// Plane represents a plane in 3D space using the equation: ax + by + cz + d = 0
// where (a, b, c) is the normal and d is the distance from origin.
type Plane struct {
	Normal   [3]float32
	Distance float32
}

// Frustum represents the six planes of a view frustum for culling.
// Planes are oriented so that positive half-space is inside the frustum.
//
// Frustum culling is the upstream filter that feeds this subsystem's
// occlusion queries: objects fully outside the frustum never become
// occlusion candidates at all.
type Frustum struct {
	Planes [6]Plane // Left, Right, Bottom, Top, Near, Far
}

// FrustumPlane indices for clarity
const (
	FrustumLeft   = 0
	FrustumRight  = 1
	FrustumBottom = 2
	FrustumTop    = 3
	FrustumNear   = 4
	FrustumFar    = 5
)

// ExtractFrustumFromMatrix extracts frustum planes from a view-projection matrix.
// The matrix should be the combined View * Projection matrix.
// Uses the Gribb/Hartmann method for plane extraction.
//
// Reference: https://www8.cs.umu.se/kurser/5DV051/HT12/lab/plane_extraction.pdf
//
// Parameters:
//   - viewProj: 16 float32 values representing the view-projection matrix (column-major)
//
// Returns:
//   - Frustum: the extracted frustum with normalized planes
func ExtractFrustumFromMatrix(viewProj []float32) Frustum {
	var f Frustum

	// For a column-major matrix, row r of the matrix is the elements
	// viewProj[r], viewProj[r+4], viewProj[r+8], viewProj[r+12].
	// Each plane pair (left/right, bottom/top, near/far) is row3 +/- row r.
	row := func(r int) [4]float32 {
		return [4]float32{viewProj[r], viewProj[r+4], viewProj[r+8], viewProj[r+12]}
	}
	r3 := row(3)

	for axis := 0; axis < 3; axis++ {
		ra := row(axis)
		plus := &f.Planes[axis*2]    // row3 + rowAxis
		minus := &f.Planes[axis*2+1] // row3 - rowAxis
		for i := 0; i < 3; i++ {
			plus.Normal[i] = r3[i] + ra[i]
			minus.Normal[i] = r3[i] - ra[i]
		}
		plus.Distance = r3[3] + ra[3]
		minus.Distance = r3[3] - ra[3]
	}

	for i := range f.Planes {
		f.normalizePlane(i)
	}

	return f
}

// normalizePlane normalizes a frustum plane so that the normal has unit length.
func (f *Frustum) normalizePlane(index int) {
	p := &f.Planes[index]
	length := float32(math.Sqrt(float64(
		p.Normal[0]*p.Normal[0] +
			p.Normal[1]*p.Normal[1] +
			p.Normal[2]*p.Normal[2],
	)))

	if length > 0 {
		invLen := 1.0 / length
		p.Normal[0] *= invLen
		p.Normal[1] *= invLen
		p.Normal[2] *= invLen
		p.Distance *= invLen
	}
}

// IntersectsAABB reports whether the AABB is at least partially inside the
// frustum. Uses the positive-vertex test: for each plane, the box corner
// farthest along the plane normal is checked; if even that corner is behind
// the plane the box is fully outside.
//
// Parameters:
//   - box: the world-space AABB to test
//
// Returns:
//   - bool: true if the box intersects or is contained by the frustum
func (f *Frustum) IntersectsAABB(box AABB) bool {
	for i := range f.Planes {
		p := &f.Planes[i]

		var px, py, pz float32
		if p.Normal[0] >= 0 {
			px = box.Max[0]
		} else {
			px = box.Min[0]
		}
		if p.Normal[1] >= 0 {
			py = box.Max[1]
		} else {
			py = box.Min[1]
		}
		if p.Normal[2] >= 0 {
			pz = box.Max[2]
		} else {
			pz = box.Min[2]
		}

		if p.Normal[0]*px+p.Normal[1]*py+p.Normal[2]*pz+p.Distance < 0 {
			return false
		}
	}
	return true
}
