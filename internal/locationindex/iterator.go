package locationindex

import "github.com/afroditeapp/afrodite-backend-sub001/internal/model"

// direction is the cursor's current movement along one side of the
// current square ring.
type direction int

const (
	dirUp direction = iota
	dirDown
	dirLeft
	dirRight
)

// limitCoords is a half-plane corner used by the inner/outer area clamps.
type limitCoords struct{ x, y uint16 }

// innerLimit makes the area strictly inside it appear empty to the
// iterator (spec §4.2's "exclude already-seen inner radius" behavior for
// paginated search).
type innerLimit struct {
	topLeft, bottomRight limitCoords
}

func (l innerLimit) isInside(x, y uint16) bool {
	return x > l.topLeft.x && x < l.bottomRight.x && y > l.topLeft.y && y < l.bottomRight.y
}

// outerLimit bounds the farthest the iterator is allowed to search.
type outerLimit struct {
	topLeft, bottomRight limitCoords
}

func (l outerLimit) isOutside(x, y uint16) bool {
	return (x < l.topLeft.x || x > l.bottomRight.x) && (y < l.topLeft.y || y > l.bottomRight.y)
}

// maxIndexes are the current ring's bounding box, updated each round.
type maxIndexes struct{ top, bottom, left, right uint16 }

// initialState is fixed for the iterator's lifetime.
type initialState struct {
	x, y       uint16
	limitInner *innerLimit
	limitOuter outerLimit
}

// roundState is the cursor position and bounding box for one ring of the
// spiral. Ported from RoundState in
// original_source/crates/server_data/src/index/read.rs.
type roundState struct {
	x, y      uint16
	direction direction
	max       maxIndexes
}

func satSub(a, b uint16) uint16 {
	if b >= a {
		return 0
	}
	return a - b
}

func satAdd(a, b uint16) uint32 {
	return uint32(a) + uint32(b)
}

// clampToU16 clamps a wider sum back into the grid's u16 coordinate
// space at a given ceiling.
func clampToU16(v uint32, ceiling uint16) uint16 {
	if v > uint32(ceiling) {
		return ceiling
	}
	return uint16(v)
}

type createRoundResult struct {
	round       roundState
	allIterated bool
}

func createRound(initial initialState, round uint16, grid *Grid) createRoundResult {
	top := satSub(initial.y, round)
	bottom := satAdd(initial.y, round)
	left := satSub(initial.x, round)
	right := satAdd(initial.x, round)

	bottomClamped := clampToU16(bottom, grid.LastYIndex())
	rightClamped := clampToU16(right, grid.LastXIndex())

	if initial.limitOuter.isOutside(left, top) && initial.limitOuter.isOutside(rightClamped, bottomClamped) {
		return createRoundResult{allIterated: true}
	}

	mi := maxIndexes{top: top, bottom: bottomClamped, left: left, right: rightClamped}

	y := mi.top
	if round != 0 {
		y = mi.top + 1
	}

	return createRoundResult{round: roundState{x: mi.right, y: y, direction: dirDown, max: mi}}
}

func (r roundState) currentPosition() model.LocationIndexKey {
	return model.LocationIndexKey{X: r.x, Y: r.y}
}

func (r roundState) isRoundComplete() bool {
	return r.max.right == r.x && r.max.top == r.y && r.direction == dirDown
}

type moveForwardResult int

const (
	moveCompleted moveForwardResult = iota
	moveCheckAndContinue
)

// moveForward advances the cursor by one cell along the current ring
// side, using the visited cell's skip pointers so empty runs are
// crossed in one step instead of cell by cell.
func (r *roundState) moveForward(state CellState) moveForwardResult {
	if r.isRoundComplete() {
		return moveCompleted
	}

	switch r.direction {
	case dirUp:
		r.y = maxU16(state.NextUp, r.max.top)
		if r.y == r.max.top {
			r.direction = dirRight
		}
	case dirDown:
		r.y = minOf(state.NextDown, r.max.bottom)
		if r.y == r.max.bottom {
			r.direction = dirLeft
		}
	case dirLeft:
		r.x = maxU16(state.NextLeft, r.max.left)
		if r.x == r.max.left {
			r.direction = dirUp
		}
	case dirRight:
		r.x = minOf(state.NextRight, r.max.right)
		if r.x == r.max.right {
			r.direction = dirDown
		}
	}
	return moveCheckAndContinue
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

func minOf(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// IteratorState is the resumable cursor a caller holds between
// next_profiles calls (spec §4.2). Copyable by value.
type IteratorState struct {
	initial      initialState
	round        roundState
	currentRound uint16
	completed    bool
}

// CompletedIteratorState returns a state that immediately yields no
// further cells, used as the zero value for callers with no prior state.
func CompletedIteratorState() IteratorState {
	return IteratorState{completed: true}
}

// NewIteratorState starts a spiral search centered at (x, y), optionally
// bounded by an inner exclusion box (area already returned by a previous
// page) and an outer search limit.
func NewIteratorState(grid *Grid, x, y uint16, inner *innerLimit, outer outerLimit) IteratorState {
	initial := initialState{x: x, y: y, limitInner: inner, limitOuter: outer}

	var startRound uint16
	if inner != nil {
		startRound = satSub(inner.bottomRight.x, inner.topLeft.x) / 2
	}

	res := createRound(initial, startRound, grid)
	if res.allIterated {
		return IteratorState{completed: true}
	}
	return IteratorState{initial: initial, round: res.round, currentRound: startRound}
}

// visibleIfHasProfiles returns the current cell's key if it has profiles
// and lies outside the inner exclusion box and inside the outer limit.
func (s *IteratorState) visibleIfHasProfiles(state CellState) (model.LocationIndexKey, bool) {
	if !state.Profiles {
		return model.LocationIndexKey{}, false
	}
	if s.initial.limitInner != nil && s.initial.limitInner.isInside(s.round.x, s.round.y) {
		return model.LocationIndexKey{}, false
	}
	if s.initial.limitOuter.isOutside(s.round.x, s.round.y) {
		return model.LocationIndexKey{}, false
	}
	return s.round.currentPosition(), true
}

// Next advances the cursor and returns the next cell key known to have
// profiles, or false once the whole search area has been iterated.
// Mirrors LocationIndexIteratorState::next in
// original_source/crates/server_data/src/index/read.rs, including its
// iteration-count guard against pathological infinite loops.
func (s *IteratorState) Next(grid *Grid) (model.LocationIndexKey, bool) {
	if s.completed {
		return model.LocationIndexKey{}, false
	}

	const maxIterations = 1 << 24
	for iterations := 0; ; iterations++ {
		if iterations > maxIterations {
			s.completed = true
			return model.LocationIndexKey{}, false
		}

		cell := grid.Cell(s.round.x, s.round.y)
		if cell == nil {
			s.completed = true
			return model.LocationIndexKey{}, false
		}
		cellState := cell.State()
		key, has := s.visibleIfHasProfiles(cellState)

		switch s.round.moveForward(cellState) {
		case moveCheckAndContinue:
		case moveCompleted:
			next, err := addRound(s.currentRound)
			if err != nil {
				s.completed = true
				return key, has
			}
			s.currentRound = next
			res := createRound(s.initial, s.currentRound, grid)
			if res.allIterated {
				s.completed = true
				return key, has
			}
			s.round = res.round
		}

		if has {
			return key, true
		}
	}
}

func addRound(round uint16) (uint16, error) {
	if round == 0xFFFF {
		return 0, errMaxRounds
	}
	return round + 1, nil
}

// errMaxRounds signals the (practically unreachable) case where a grid
// is large enough to exhaust a 16-bit round counter.
var errMaxRounds = &maxRoundsError{}

type maxRoundsError struct{}

func (*maxRoundsError) Error() string { return "location index iterator: max rounds reached" }
