package hiz

import (
	_ "embed"
	"encoding/binary"
	"math"
	"unsafe"
)

// GPUReduceSource is the WGSL compute kernel that builds one Hi-Z mip level
// from the previous one (2x2 farthest-depth reduction with edge clamping).
//
//go:embed assets/hiz_reduce.wgsl
var GPUReduceSource string

// GPUQuerySource is the WGSL compute kernel that runs one occlusion query per
// candidate against the Hi-Z pyramid. Its Candidate and QueryParams structs
// must match GPUCandidate and GPUQueryParams byte-for-byte.
//
//go:embed assets/occlusion_query.wgsl
var GPUQuerySource string

// Result scalar values written per candidate by the query kernel and by the
// CPU dispatcher. The off-screen reject is distinct from a true occlusion so
// diagnostics and tests can tell the two rejection classes apart; the apply
// step folds both to "not visible".
const (
	// ResultOccluded marks a candidate unambiguously behind sampled occluders.
	ResultOccluded float32 = 0.0
	// ResultVisible marks a candidate that is possibly visible.
	ResultVisible float32 = 1.0
	// ResultOffscreen marks a candidate whose screen rectangle lies entirely
	// outside the viewport (frustum-style early reject).
	ResultOffscreen float32 = 2.0
)

// GPUCandidate is the GPU-aligned per-candidate record uploaded to the query
// kernel's storage buffer. Matches the WGSL Candidate struct layout exactly
// (32 bytes, std430 aligned); the object id is packed into the w lane of the
// min corner.
type GPUCandidate struct {
	Min  [3]float32 // offset  0: world-space AABB min corner (vec3<f32>)
	ID   uint32     // offset 12: object id (u32)
	Max  [3]float32 // offset 16: world-space AABB max corner (vec3<f32>)
	_pad uint32     // offset 28: padding to 32 bytes
}

// Size returns the size of the GPUCandidate struct in bytes.
//
// Returns:
//   - int: the struct size in bytes (32)
func (g *GPUCandidate) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUCandidate struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: the serialized byte buffer
func (g *GPUCandidate) Marshal() []byte {
	buf := make([]byte, g.Size())
	for i := range 3 {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(g.Min[i]))
	}
	binary.LittleEndian.PutUint32(buf[12:], g.ID)
	for i := range 3 {
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(g.Max[i]))
	}
	binary.LittleEndian.PutUint32(buf[28:], 0) // _pad
	return buf
}

// GPUQueryParams is the GPU-aligned uniform block for the query kernel.
// Matches the WGSL QueryParams struct layout exactly (96 bytes, std140
// aligned).
type GPUQueryParams struct {
	ViewProj        [16]float32 // offset  0: combined view-projection matrix (mat4x4<f32>)
	Viewport        [2]float32  // offset 64: render-target dimensions in pixels (vec2<f32>)
	DepthEpsilon    float32     // offset 72: z-fighting guard band (f32)
	MaxLevel        uint32      // offset 76: highest usable pyramid level (u32)
	CandidateCount  uint32      // offset 80: number of candidates in the batch (u32)
	SmallRectTexels uint32      // offset 84: full-sampling texel threshold (u32)
	_pad0           uint32      // offset 88
	_pad1           uint32      // offset 92: padding to 96 bytes
}

// Size returns the size of the GPUQueryParams struct in bytes.
//
// Returns:
//   - int: the struct size in bytes (96)
func (g *GPUQueryParams) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUQueryParams struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: the serialized byte buffer
func (g *GPUQueryParams) Marshal() []byte {
	buf := make([]byte, g.Size())
	for i := range 16 {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(g.ViewProj[i]))
	}
	binary.LittleEndian.PutUint32(buf[64:], math.Float32bits(g.Viewport[0]))
	binary.LittleEndian.PutUint32(buf[68:], math.Float32bits(g.Viewport[1]))
	binary.LittleEndian.PutUint32(buf[72:], math.Float32bits(g.DepthEpsilon))
	binary.LittleEndian.PutUint32(buf[76:], g.MaxLevel)
	binary.LittleEndian.PutUint32(buf[80:], g.CandidateCount)
	binary.LittleEndian.PutUint32(buf[84:], g.SmallRectTexels)
	binary.LittleEndian.PutUint32(buf[88:], 0) // _pad0
	binary.LittleEndian.PutUint32(buf[92:], 0) // _pad1
	return buf
}
