// package hiz builds and samples hierarchical depth pyramids (Hi-Z). A pyramid
// is a mip chain of conservatively reduced depth bounds: each texel of level k
// covers a 2x2 block of level k-1 and stores the farthest depth of that block.
//
// Depth convention: larger numeric value = farther from the camera, matching
// the [0, 1] clip-space depth written by the depth pre-pass. Because every
// reduction keeps the farthest (weakest) occluder of the block, a query can
// only ever over-estimate how far away occluders are — a true occluder is
// never hidden behind a more permissive value, so the pyramid never causes a
// visible object to be classified as occluded.
package hiz

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxLevels caps pyramid construction when no explicit level count is
// configured. 16 levels cover render targets up to 32768 pixels wide.
const DefaultMaxLevels = 16

// ErrDegenerateDepth is returned by Build when the source depth buffer has a
// dimension of zero or one texel. Such a buffer cannot form a pyramid and the
// caller must treat every occlusion test as "assume visible" for the frame.
var ErrDegenerateDepth = errors.New("hiz: depth buffer dimension too small for pyramid construction")

// DepthPyramid is an ordered mip chain of conservative depth bounds derived
// from one frame's opaque depth buffer. Level 0 is an exact copy of the
// source; level k has dimensions ceil(level k-1 / 2).
//
// A pyramid is rebuilt every frame and tagged with the generation current at
// build time so that query batches submitted against it can be recognized as
// stale after a resolution change.
type DepthPyramid struct {
	// Generation identifies the render-target configuration this pyramid was
	// built against. Incremented by the owning culler on every resize.
	Generation uint64

	levels  [][]float32
	widths  []uint32
	heights []uint32
}

// MipCount returns the number of mip levels a full pyramid over the given
// dimensions would have: enough halvings to reduce max(width, height) to one.
//
// Parameters:
//   - width: source width in texels
//   - height: source height in texels
//
// Returns:
//   - int: the full mip chain length, including level 0
func MipCount(width, height uint32) int {
	dim := width
	if height > dim {
		dim = height
	}
	mips := 0
	for dim > 0 {
		mips++
		dim >>= 1
	}
	return mips
}

// Build constructs a DepthPyramid from a resolved opaque depth buffer.
// Each destination texel stores the maximum (farthest) of the up-to-4 source
// texels it covers. Non-power-of-two edges clamp to the last valid row and
// column rather than wrapping or reading out of bounds.
//
// Parameters:
//   - depth: row-major depth values, length must equal width*height
//   - width: source width in texels (must be >= 2)
//   - height: source height in texels (must be >= 2)
//   - maxLevels: cap on the number of levels built (<= 0 means DefaultMaxLevels)
//
// Returns:
//   - *DepthPyramid: the constructed pyramid
//   - error: ErrDegenerateDepth for 0/1-texel dimensions, or a size mismatch error
func Build(depth []float32, width, height uint32, maxLevels int) (*DepthPyramid, error) {
	if width <= 1 || height <= 1 {
		return nil, ErrDegenerateDepth
	}
	if uint32(len(depth)) != width*height {
		return nil, fmt.Errorf("hiz: depth buffer length %d does not match %dx%d", len(depth), width, height)
	}
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}
	if full := MipCount(width, height); maxLevels > full {
		maxLevels = full
	}

	p := &DepthPyramid{
		levels:  make([][]float32, 0, maxLevels),
		widths:  make([]uint32, 0, maxLevels),
		heights: make([]uint32, 0, maxLevels),
	}

	// Level 0 is a lossless copy of the source.
	level0 := make([]float32, len(depth))
	copy(level0, depth)
	p.levels = append(p.levels, level0)
	p.widths = append(p.widths, width)
	p.heights = append(p.heights, height)

	for len(p.levels) < maxLevels {
		srcW := p.widths[len(p.widths)-1]
		srcH := p.heights[len(p.heights)-1]
		if srcW == 1 && srcH == 1 {
			break
		}

		dstW := (srcW + 1) / 2
		dstH := (srcH + 1) / 2
		src := p.levels[len(p.levels)-1]
		dst := make([]float32, dstW*dstH)

		for y := uint32(0); y < dstH; y++ {
			for x := uint32(0); x < dstW; x++ {
				sx := x * 2
				sy := y * 2
				// Clamp the 2x2 footprint to the last valid row/column on
				// odd-sized levels.
				sx1 := sx + 1
				if sx1 >= srcW {
					sx1 = srcW - 1
				}
				sy1 := sy + 1
				if sy1 >= srcH {
					sy1 = srcH - 1
				}

				d := src[sy*srcW+sx]
				if v := src[sy*srcW+sx1]; v > d {
					d = v
				}
				if v := src[sy1*srcW+sx]; v > d {
					d = v
				}
				if v := src[sy1*srcW+sx1]; v > d {
					d = v
				}
				dst[y*dstW+x] = d
			}
		}

		p.levels = append(p.levels, dst)
		p.widths = append(p.widths, dstW)
		p.heights = append(p.heights, dstH)
	}

	return p, nil
}

// LevelCount returns the number of mip levels in the pyramid.
func (p *DepthPyramid) LevelCount() int {
	return len(p.levels)
}

// Dims returns the width and height in texels of the given mip level.
//
// Parameters:
//   - level: the mip level index (0 = full resolution)
//
// Returns:
//   - uint32: level width in texels
//   - uint32: level height in texels
func (p *DepthPyramid) Dims(level int) (uint32, uint32) {
	return p.widths[level], p.heights[level]
}

// Texel returns the conservative occluder depth stored at (x, y) of the given
// mip level. Coordinates outside the level are clamped to the nearest edge
// texel, so callers may sample rectangle corners without bounds checks.
//
// Parameters:
//   - level: the mip level index
//   - x, y: texel coordinates within the level
//
// Returns:
//   - float32: the stored depth (larger = farther)
func (p *DepthPyramid) Texel(level int, x, y int) float32 {
	w := int(p.widths[level])
	h := int(p.heights[level])
	if x < 0 {
		x = 0
	} else if x >= w {
		x = w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= h {
		y = h - 1
	}
	return p.levels[level][y*w+x]
}

// SelectLevel picks the mip level at which a screen-space rectangle of the
// given size (in level-0 texels) maps to approximately one texel:
// clamp(ceil(log2(max(rectW, rectH))), 0, maxLevel).
//
// Ceil is used rather than floor or round so the rectangle never spans more
// than a 2x2 texel footprint at the chosen level, which bounds per-candidate
// sampling cost to O(1) regardless of on-screen size.
//
// Parameters:
//   - rectW: rectangle width in level-0 texels
//   - rectH: rectangle height in level-0 texels
//   - maxLevel: highest usable level index (LevelCount()-1)
//
// Returns:
//   - int: the selected mip level
func SelectLevel(rectW, rectH float32, maxLevel int) int {
	size := rectW
	if rectH > size {
		size = rectH
	}
	if size <= 1 {
		return 0
	}
	level := int(math.Ceil(math.Log2(float64(size))))
	if level < 0 {
		level = 0
	}
	if level > maxLevel {
		level = maxLevel
	}
	return level
}
