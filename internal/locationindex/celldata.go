// Package locationindex implements C2, the 2-D location index: a fixed
// grid of cells packed into single 64-bit atomics, walked by a clockwise
// square-ring iterator to find nearby matching profiles without scanning
// the whole grid. Ported from
// original_source/crates/model_server_data/src/profile/index.rs (cell
// bit layout) and original_source/crates/server_data/src/index/read.rs
// (the spiral iterator), in the style of the teacher's
// ws/internal/shared/connection.go atomic-state idioms.
package locationindex

import "sync/atomic"

// CellData packs one grid cell's four skip pointers and its
// has-profiles flag into one uint64, updated with a single atomic
// store/CAS so readers never observe a torn cell during concurrent
// writes. Bit layout, least significant bit first:
//
//	next_up    (15 bits)
//	profiles   (1 bit)
//	next_down  (15 bits)
//	empty      (1 bit)
//	next_left  (15 bits)
//	empty      (1 bit)
//	next_right (15 bits)
//	empty      (1 bit)
type CellData struct {
	state atomic.Uint64
}

const (
	maskNextUp    uint64 = 0x7FFF
	shiftNextUp          = 0
	maskNextDown  uint64 = 0x7FFF_0000
	shiftNextDown        = 16
	maskNextLeft  uint64 = 0x7FFF_0000_0000
	shiftNextLeft        = 32
	maskNextRight uint64 = 0x7FFF_0000_0000_0000
	shiftNextRight       = 48

	maskProfiles uint64 = 0x8000
)

// NewCellData creates a cell initialized so that its skip pointers walk
// straight to the grid's far edges: next_down points at height-1 and
// next_right points at width-1.
func NewCellData(width, height uint16) *CellData {
	c := &CellData{}
	var state uint64
	state |= uint64(height-1) << shiftNextDown
	state |= uint64(width-1) << shiftNextRight
	c.state.Store(state)
	return c
}

// CellState is a snapshot of one cell's packed fields, read once so an
// iterator step observes a consistent view.
type CellState struct {
	NextUp    uint16
	NextDown  uint16
	NextLeft  uint16
	NextRight uint16
	Profiles  bool
}

// State reads a consistent snapshot of the cell.
func (c *CellData) State() CellState {
	s := c.state.Load()
	return CellState{
		NextUp:    uint16((s & maskNextUp) >> shiftNextUp),
		NextDown:  uint16((s & maskNextDown) >> shiftNextDown),
		NextLeft:  uint16((s & maskNextLeft) >> shiftNextLeft),
		NextRight: uint16((s & maskNextRight) >> shiftNextRight),
		Profiles:  s&maskProfiles != 0,
	}
}

func (c *CellData) updateField(value uint16, mask uint64, shift uint) {
	for {
		old := c.state.Load()
		next := (old &^ mask) | (uint64(value&0x7FFF) << shift)
		if c.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetNextUp sets the cell's up skip pointer.
func (c *CellData) SetNextUp(v uint16) { c.updateField(v, maskNextUp, shiftNextUp) }

// SetNextDown sets the cell's down skip pointer.
func (c *CellData) SetNextDown(v uint16) { c.updateField(v, maskNextDown, shiftNextDown) }

// SetNextLeft sets the cell's left skip pointer.
func (c *CellData) SetNextLeft(v uint16) { c.updateField(v, maskNextLeft, shiftNextLeft) }

// SetNextRight sets the cell's right skip pointer.
func (c *CellData) SetNextRight(v uint16) { c.updateField(v, maskNextRight, shiftNextRight) }

// SetProfiles sets or clears the has-profiles flag.
func (c *CellData) SetProfiles(value bool) {
	for {
		old := c.state.Load()
		var next uint64
		if value {
			next = old | maskProfiles
		} else {
			next = old &^ maskProfiles
		}
		if old == next || c.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Grid is the width*height array of CellData, row-major by y then x.
type Grid struct {
	width, height uint16
	cells         []*CellData
}

// NewGrid allocates a width x height grid with every cell initialized to
// point at the grid's edges.
func NewGrid(width, height uint16) *Grid {
	g := &Grid{width: width, height: height, cells: make([]*CellData, int(width)*int(height))}
	for i := range g.cells {
		g.cells[i] = NewCellData(width, height)
	}
	return g
}

// Width returns the grid width in cells.
func (g *Grid) Width() uint16 { return g.width }

// Height returns the grid height in cells.
func (g *Grid) Height() uint16 { return g.height }

// LastXIndex is the highest valid x coordinate.
func (g *Grid) LastXIndex() uint16 { return g.width - 1 }

// LastYIndex is the highest valid y coordinate.
func (g *Grid) LastYIndex() uint16 { return g.height - 1 }

// Cell returns the cell at (x, y), or nil if out of bounds.
func (g *Grid) Cell(x, y uint16) *CellData {
	if x >= g.width || y >= g.height {
		return nil
	}
	return g.cells[int(y)*int(g.width)+int(x)]
}
