package locationindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// A wide box with a small cell size gives enough cells that the
	// spiral iterator has to walk past several empty ones, exercising
	// its skip-pointer maintenance rather than finding everything in
	// the first ring.
	return New(35.0, -10.0, 60.0, 30.0, 10)
}

func link(id model.AccountId, age int32) model.LocationIndexProfileData {
	return model.LocationIndexProfileData{
		ProfileLink:    model.ProfileLink{AccountId: id, Age: age},
		Age:            age,
		SearchAgeRange: model.SearchAgeRange{Min: 18, Max: 99},
		SearchGroups:   0,
		LastSeenAtomic: model.LastSeenUnknown,
	}
}

func defaultQuery(querierAge int32) model.ProfileQueryMakerDetails {
	return model.ProfileQueryMakerDetails{
		QuerierAge:            querierAge,
		QuerierSearchAgeRange: model.SearchAgeRange{Min: 18, Max: 99},
	}
}

// TestIterator_CoversEveryPlacedProfile places several profiles across
// distinct cells and drives the iterator until exhausted, checking every
// placed profile is eventually returned exactly once (spec §8
// location-index coverage property).
func TestIterator_CoversEveryPlacedProfile(t *testing.T) {
	m := newTestManager(t)
	w := NewWriteHandle(m)

	locations := []model.Location{
		{Latitude: 48.0, Longitude: 2.0},
		{Latitude: 52.0, Longitude: 13.0},
		{Latitude: 41.0, Longitude: 12.0},
		{Latitude: 59.0, Longitude: -3.0},
	}
	want := map[model.AccountId]bool{}
	for i, loc := range locations {
		id := model.AccountId(string(rune('a' + i)))
		key := w.CoordinatesToKey(loc)
		w.UpdateProfileLocation(id, model.LocationIndexKey{}, key, link(id, 30))
		want[id] = true
	}

	h := NewIteratorHandle(m)
	centerKey := w.CoordinatesToKey(model.Location{Latitude: 50.0, Longitude: 10.0})
	state := h.ResetIterator(centerKey.X, centerKey.Y)

	found := map[model.AccountId]bool{}
	query := defaultQuery(30)
	for i := 0; i < 4096; i++ {
		var matches []model.ProfileLink
		state, matches = h.NextProfiles(state, query)
		if matches == nil {
			break
		}
		for _, p := range matches {
			assert.False(t, found[p.AccountId], "profile %q returned twice by the iterator", p.AccountId)
			found[p.AccountId] = true
		}
	}

	assert.Equal(t, want, found)
}

// TestIterator_FilterSoundness places two profiles in the same cell, one
// inside the querier's age window and one outside it, and checks only
// the matching one survives isMatch (spec §8 filter-soundness property).
func TestIterator_FilterSoundness(t *testing.T) {
	m := newTestManager(t)
	w := NewWriteHandle(m)

	loc := model.Location{Latitude: 48.0, Longitude: 2.0}
	key := w.CoordinatesToKey(loc)

	inRange := link("in-range", 25)
	inRange.SearchAgeRange = model.SearchAgeRange{Min: 20, Max: 30}
	outOfRange := link("out-of-range", 70)
	outOfRange.SearchAgeRange = model.SearchAgeRange{Min: 60, Max: 80}

	w.UpdateProfileLocation("in-range", model.LocationIndexKey{}, key, inRange)
	w.UpdateProfileLocation("out-of-range", model.LocationIndexKey{}, key, outOfRange)

	h := NewIteratorHandle(m)
	state := h.ResetIterator(key.X, key.Y)
	query := defaultQuery(26)

	var all []model.ProfileLink
	for i := 0; i < 4096; i++ {
		var matches []model.ProfileLink
		state, matches = h.NextProfiles(state, query)
		if matches == nil {
			break
		}
		all = append(all, matches...)
	}

	require.Len(t, all, 1)
	assert.Equal(t, model.AccountId("in-range"), all[0].AccountId)
}

func TestUpdateProfileLocation_MovesBetweenCellsAndClearsSource(t *testing.T) {
	m := newTestManager(t)
	w := NewWriteHandle(m)

	from := w.CoordinatesToKey(model.Location{Latitude: 48.0, Longitude: 2.0})
	to := w.CoordinatesToKey(model.Location{Latitude: 52.0, Longitude: 13.0})
	require.NotEqual(t, from, to)

	w.UpdateProfileLocation("p", model.LocationIndexKey{}, from, link("p", 30))
	assert.True(t, m.grid.Cell(from.X, from.Y).State().Profiles)

	w.UpdateProfileLocation("p", from, to, link("p", 30))
	assert.False(t, m.grid.Cell(from.X, from.Y).State().Profiles, "source cell must clear its flag once empty")
	assert.True(t, m.grid.Cell(to.X, to.Y).State().Profiles)
}

func TestRemoveProfile_ClearsCellFlagWhenLastProfileLeaves(t *testing.T) {
	m := newTestManager(t)
	w := NewWriteHandle(m)

	key := w.CoordinatesToKey(model.Location{Latitude: 48.0, Longitude: 2.0})
	w.UpdateProfileLocation("p", model.LocationIndexKey{}, key, link("p", 30))
	require.True(t, m.grid.Cell(key.X, key.Y).State().Profiles)

	w.RemoveProfile("p", key)
	assert.False(t, m.grid.Cell(key.X, key.Y).State().Profiles)
}

func TestNonEmptyCellCount(t *testing.T) {
	m := newTestManager(t)
	w := NewWriteHandle(m)

	assert.Equal(t, 0, m.NonEmptyCellCount())

	k1 := w.CoordinatesToKey(model.Location{Latitude: 48.0, Longitude: 2.0})
	k2 := w.CoordinatesToKey(model.Location{Latitude: 52.0, Longitude: 13.0})
	w.UpdateProfileLocation("a", model.LocationIndexKey{}, k1, link("a", 30))
	w.UpdateProfileLocation("b", model.LocationIndexKey{}, k2, link("b", 30))

	assert.Equal(t, 2, m.NonEmptyCellCount())
}
