package locationindex

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// profileEntry is the index's per-profile cache record (spec §3). The
// last-seen timestamp is updated far more often than anything else here
// (on every WebSocket heartbeat), so it alone gets its own atomic rather
// than taking the cell's map lock.
type profileEntry struct {
	data           model.LocationIndexProfileData
	lastSeenAtomic atomic.Int64
}

func newProfileEntry(data model.LocationIndexProfileData) *profileEntry {
	p := &profileEntry{data: data}
	p.lastSeenAtomic.Store(data.LastSeenAtomic)
	return p
}

func (p *profileEntry) toProfileLink() model.ProfileLink {
	return p.data.ProfileLink
}

func (p *profileEntry) isMatch(q model.ProfileQueryMakerDetails, now time.Time) bool {
	d := p.data
	if !d.SearchAgeRange.Contains(q.QuerierAge) {
		return false
	}
	if !q.QuerierSearchAgeRange.Contains(d.Age) {
		return false
	}
	if q.SearchGroups != 0 && d.SearchGroups&q.SearchGroups == 0 {
		return false
	}
	if q.OnlyCurrentlyOnline {
		if p.lastSeenAtomic.Load() != model.LastSeenOnline {
			return false
		}
	}
	if q.UnlimitedLikesOnly && !d.UnlimitedLikes {
		return false
	}
	if q.ProfileCreatedAfter != nil && d.ProfileCreatedUnixTime < *q.ProfileCreatedAfter {
		return false
	}
	if q.ProfileEditedAfter != nil && d.ProfileEditedUnixTime < *q.ProfileEditedAfter {
		return false
	}
	if q.MinTextLength != nil && d.TextCharCount < *q.MinTextLength {
		return false
	}
	if q.MaxTextLength != nil && d.TextCharCount > *q.MaxTextLength {
		return false
	}
	for _, f := range q.AttributeFilters {
		if !attributeMatches(f, d.Attributes) {
			return false
		}
	}
	return true
}

func attributeMatches(filter model.AttributeFilter, values []model.ProfileAttributeValue) bool {
	for _, v := range values {
		if v.AttributeId != filter.AttributeId {
			continue
		}
		return v.Value&filter.WantedValue != 0 || v.Value == filter.WantedValue
	}
	return filter.AcceptMissing
}

// cellProfiles is the set of live profiles located in one grid cell.
type cellProfiles struct {
	mu       sync.RWMutex
	profiles map[model.AccountId]*profileEntry
}

// Manager owns the grid, the coordinate converter, and the
// key -> profile-set map. One Manager per server process (spec §3);
// created even when the profile feature is disabled so a stray index
// access never panics.
type Manager struct {
	coordinates *Coordinates
	grid        *Grid

	mu       sync.RWMutex
	byCell   map[model.LocationIndexKey]*cellProfiles
}

// New creates a Manager sized for the given bounding box and target cell
// size, following LocationIndexManager::new in
// original_source/crates/server_data/src/index.rs.
func New(minLat, minLon, maxLat, maxLon float64, cellSquareKm int) *Manager {
	coords := NewCoordinates(minLat, minLon, maxLat, maxLon, cellSquareKm)
	grid := NewGrid(coords.Width(), coords.Height())
	return &Manager{coordinates: coords, grid: grid, byCell: make(map[model.LocationIndexKey]*cellProfiles)}
}

// Coordinates exposes the coordinate converter.
func (m *Manager) Coordinates() *Coordinates { return m.coordinates }

// NonEmptyCellCount reports the number of cells currently flagged as
// having profiles, for the C2 Prometheus gauge.
func (m *Manager) NonEmptyCellCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.byCell {
		c.mu.RLock()
		if len(c.profiles) > 0 {
			count++
		}
		c.mu.RUnlock()
	}
	return count
}

// WriteHandle is the mutation surface for C2 (spec §4.2): moving a
// profile between cells. No method changes the stored search fields of
// a profile already in the index: UpdateProfileLocation keeps an
// existing entry's data and uses its data argument only for a profile
// that has no entry yet.
type WriteHandle struct {
	m *Manager
}

// NewWriteHandle creates a WriteHandle bound to the manager.
func NewWriteHandle(m *Manager) *WriteHandle { return &WriteHandle{m: m} }

// CoordinatesToKey converts a location to its grid cell.
func (w *WriteHandle) CoordinatesToKey(loc model.Location) model.LocationIndexKey {
	x, y := w.m.coordinates.ToIndexKey(loc.Latitude, loc.Longitude)
	return model.LocationIndexKey{X: x, Y: y}
}

// UpdateProfileLocation moves a profile from previousKey to newKey,
// flagging the destination cell and, once the source empties, clearing
// its flag. Mirrors update_profile_location in
// original_source/crates/server_data/src/index.rs.
func (w *WriteHandle) UpdateProfileLocation(id model.AccountId, previousKey, newKey model.LocationIndexKey, data model.LocationIndexProfileData) {
	if previousKey == newKey {
		return
	}

	w.m.mu.Lock()
	from, hasFrom := w.m.byCell[previousKey]
	to, hasTo := w.m.byCell[newKey]
	if !hasTo {
		to = &cellProfiles{profiles: make(map[model.AccountId]*profileEntry)}
		w.m.byCell[newKey] = to
	}
	w.m.mu.Unlock()

	var entry *profileEntry
	if hasFrom {
		from.mu.Lock()
		entry = from.profiles[id]
		delete(from.profiles, id)
		emptyNow := len(from.profiles) == 0
		from.mu.Unlock()

		if emptyNow {
			if cell := w.m.grid.Cell(previousKey.X, previousKey.Y); cell != nil {
				cell.SetProfiles(false)
			}
		}
	}
	if entry == nil {
		entry = newProfileEntry(data)
	}

	to.mu.Lock()
	wasEmpty := len(to.profiles) == 0
	to.profiles[id] = entry
	to.mu.Unlock()

	if wasEmpty {
		if cell := w.m.grid.Cell(newKey.X, newKey.Y); cell != nil {
			cell.SetProfiles(true)
		}
	}
}

// RemoveProfile deletes a profile from the index entirely, used on
// account deletion.
func (w *WriteHandle) RemoveProfile(id model.AccountId, key model.LocationIndexKey) {
	w.m.mu.RLock()
	cell, ok := w.m.byCell[key]
	w.m.mu.RUnlock()
	if !ok {
		return
	}
	cell.mu.Lock()
	delete(cell.profiles, id)
	empty := len(cell.profiles) == 0
	cell.mu.Unlock()

	if empty {
		if c := w.m.grid.Cell(key.X, key.Y); c != nil {
			c.SetProfiles(false)
		}
	}
}

// UpdateLastSeen records a profile's latest last-seen value without
// touching the index grid, matching update_last_seen_value's
// lock-free atomic update.
func (w *WriteHandle) UpdateLastSeen(key model.LocationIndexKey, id model.AccountId, value int64) {
	w.m.mu.RLock()
	cell, ok := w.m.byCell[key]
	w.m.mu.RUnlock()
	if !ok {
		return
	}
	cell.mu.RLock()
	entry, ok := cell.profiles[id]
	cell.mu.RUnlock()
	if ok {
		entry.lastSeenAtomic.Store(value)
	}
}

// IteratorHandle is the read surface for C2: walking the spiral from a
// starting cell and collecting matching profiles one non-empty cell at
// a time (spec §4.2).
type IteratorHandle struct {
	m *Manager
}

// NewIteratorHandle creates an IteratorHandle bound to the manager.
func NewIteratorHandle(m *Manager) *IteratorHandle { return &IteratorHandle{m: m} }

// ResetIterator starts a fresh iterator state centered at location,
// discarding any resumable cursor the caller held previously.
func (h *IteratorHandle) ResetIterator(x, y uint16) IteratorState {
	return NewIteratorState(h.m.grid, x, y, nil, outerLimit{
		topLeft:     limitCoords{x: 0, y: 0},
		bottomRight: limitCoords{x: h.m.grid.LastXIndex(), y: h.m.grid.LastYIndex()},
	})
}

// NextProfiles advances the iterator until it finds a cell with at least
// one profile matching query, or runs out of cells to visit. Loops past
// cells whose profiles were all removed out from under a concurrent
// iterator, mirroring next_profiles/next_profiles_internal's TryAgain
// handling in original_source/crates/server_data/src/index/read.rs.
func (h *IteratorHandle) NextProfiles(state IteratorState, query model.ProfileQueryMakerDetails) (IteratorState, []model.ProfileLink) {
	now := time.Now()
	for {
		key, ok := state.Next(h.m.grid)
		if !ok {
			return state, nil
		}

		h.m.mu.RLock()
		cell, exists := h.m.byCell[key]
		h.m.mu.RUnlock()
		if !exists {
			continue
		}

		cell.mu.RLock()
		var matches []model.ProfileLink
		for _, p := range cell.profiles {
			if p.isMatch(query, now) {
				matches = append(matches, p.toProfileLink())
			}
		}
		cell.mu.RUnlock()

		if len(matches) > 0 {
			return state, matches
		}
	}
}
