package model

// LocationIndexKey identifies one cell in the location index grid.
// Border cells (x or y == 0 or == width-1/height-1) must stay empty;
// the iterator relies on this as a sentinel (spec §3).
type LocationIndexKey struct {
	X uint16
	Y uint16
}

// ProfileLink is the compact public representation of a profile used in
// list views (location index search results).
type ProfileLink struct {
	AccountId AccountId
	Name      string
	Age       int32
}

// LastSeenUnknown / LastSeenOnline are the sentinel encodings for
// LocationIndexProfileData.LastSeenAtomic (spec §3).
const (
	LastSeenUnknown int64 = -1 << 63 // i64::MIN
	LastSeenOnline  int64 = -1
)

// SearchAgeRange is the [min, max] age a profile is willing to match.
type SearchAgeRange struct {
	Min int32
	Max int32
}

// Contains reports whether age falls in range. Compatibility in both
// directions is checked by the caller, using each side's SearchAgeRange
// against the other's Age.
func (r SearchAgeRange) Contains(age int32) bool {
	return age >= r.Min && age <= r.Max
}

// LocationIndexProfileData is the location index's per-profile cache
// record (spec §3).
type LocationIndexProfileData struct {
	ProfileLink               ProfileLink
	Age                        int32
	SearchAgeRange             SearchAgeRange
	SearchGroups               uint32
	Attributes                 []ProfileAttributeValue
	UnlimitedLikes             bool
	LastSeenAtomic             int64 // see LastSeenUnknown / LastSeenOnline
	ProfileCreatedUnixTime     int64
	ProfileEditedUnixTime      int64
	ProfileContentEditedTime   *int64
	TextCharCount              int32
}

// ProfileQueryMakerDetails are the static filters a searching profile
// applies to candidates returned by the location index iterator
// (spec §4.2).
type ProfileQueryMakerDetails struct {
	QuerierAge           int32
	QuerierSearchAgeRange SearchAgeRange
	SearchGroups         uint32
	OnlyCurrentlyOnline  bool
	UnlimitedLikesOnly   bool
	ProfileCreatedAfter  *int64
	ProfileEditedAfter   *int64
	MinTextLength        *int32
	MaxTextLength        *int32
	AttributeFilters     []AttributeFilter
}

// AttributeFilter is one per-attribute filter clause (spec §4.10).
type AttributeFilter struct {
	AttributeId   int32
	WantedValue   int64 // equality value, or bitmask for bitflag modes
	AcceptMissing bool
}
