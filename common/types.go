// package common contains common types that are used throughout this culling subsystem. They are not interface-wrapped structs, just plain structs that express
// commonly used data-types.
package common

// ObjectID uniquely identifies a renderable object across the scene, culling,
// and draw-submission layers. IDs are assigned by the scene collaborator and
// are opaque to this subsystem.
type ObjectID uint64

// AABB is an axis-aligned bounding box in world space. It is the conservative
// bounding volume tested per candidate object.
type AABB struct {
	// Min is the corner with the smallest X, Y, and Z coordinates.
	Min [3]float32
	// Max is the corner with the largest X, Y, and Z coordinates.
	Max [3]float32
}

// Corners expands the AABB into its 8 world-space corner points.
//
// Returns:
//   - [8][3]float32: the corner points in no particular order
func (b AABB) Corners() [8][3]float32 {
	return [8][3]float32{
		{b.Min[0], b.Min[1], b.Min[2]},
		{b.Max[0], b.Min[1], b.Min[2]},
		{b.Min[0], b.Max[1], b.Min[2]},
		{b.Max[0], b.Max[1], b.Min[2]},
		{b.Min[0], b.Min[1], b.Max[2]},
		{b.Max[0], b.Min[1], b.Max[2]},
		{b.Min[0], b.Max[1], b.Max[2]},
		{b.Max[0], b.Max[1], b.Max[2]},
	}
}

// CameraMatrices is the per-frame camera snapshot supplied by the scene
// collaborator. All matrices are 4x4 column-major (WebGPU convention) with a
// [0, 1] clip-space depth range.
type CameraMatrices struct {
	// View transforms world coordinates to view/camera space.
	View [16]float32
	// Projection transforms view coordinates to clip space.
	Projection [16]float32
	// ViewProj is the pre-multiplied Projection * View matrix.
	ViewProj [16]float32
}

// Viewport describes the render-target dimensions in pixels for the current
// frame. The culling subsystem compares these against the previous frame to
// detect resolution changes.
type Viewport struct {
	// Width is the render-target width in pixels.
	Width uint32
	// Height is the render-target height in pixels.
	Height uint32
}
