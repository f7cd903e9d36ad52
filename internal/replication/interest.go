package replication

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// DefaultInterestCellSize is used when Config.InterestCellSize is unset.
const DefaultInterestCellSize = 50

// InterestGrid is a hashed uniform grid over the XZ plane holding viewer
// indices. It is rebuilt every post-update and answers which viewers could
// be within range of an entity; WithinRange then does the exact check.
//
// The world is unbounded, so cells live in a map rather than a
// preallocated row-major slice.
type InterestGrid struct {
	cellSize    float32
	invCellSize float32
	cells       map[cellKey][]int
	scratch     []int
}

type cellKey struct {
	x, z int32
}

// NewInterestGrid creates a grid. cellSize should be close to the most
// common query radius.
func NewInterestGrid(cellSize float32) *InterestGrid {
	if cellSize <= 0 {
		cellSize = DefaultInterestCellSize
	}
	return &InterestGrid{
		cellSize:    cellSize,
		invCellSize: 1 / cellSize,
		cells:       make(map[cellKey][]int),
		scratch:     make([]int, 0, 64),
	}
}

func (g *InterestGrid) key(x, z float32) cellKey {
	return cellKey{
		x: int32(math.Floor(float64(x * g.invCellSize))),
		z: int32(math.Floor(float64(z * g.invCellSize))),
	}
}

// Clear resets all cells, keeping their capacity.
func (g *InterestGrid) Clear() {
	for k, cell := range g.cells {
		g.cells[k] = cell[:0]
	}
}

// Insert adds index at pos.
func (g *InterestGrid) Insert(index int, pos mgl32.Vec3) {
	k := g.key(pos.X(), pos.Z())
	g.cells[k] = append(g.cells[k], index)
}

// QueryRadius returns every index potentially within radius of center.
//
// The returned slice is reused on the next call. Candidates may lie outside
// the radius; callers do the precise distance check.
func (g *InterestGrid) QueryRadius(center mgl32.Vec3, radius float32) []int {
	g.scratch = g.scratch[:0]

	lo := g.key(center.X()-radius, center.Z()-radius)
	hi := g.key(center.X()+radius, center.Z()+radius)

	for x := lo.x; x <= hi.x; x++ {
		for z := lo.z; z <= hi.z; z++ {
			g.scratch = append(g.scratch, g.cells[cellKey{x, z}]...)
		}
	}
	return g.scratch
}

// Occupied returns the number of non-empty cells
func (g *InterestGrid) Occupied() int {
	n := 0
	for _, cell := range g.cells {
		if len(cell) > 0 {
			n++
		}
	}
	return n
}
