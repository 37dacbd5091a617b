package attributes

// ProfileValue is the value a profile has set for one attribute: an
// id for single-select modes, or a bitmask for bitflag modes. Present
// is false when the profile does not have the attribute; MatchAll sets
// it from whether the profile's value map holds the attribute id.
type ProfileValue struct {
	Id      uint16
	Present bool
}

// Filter is one attribute-level search filter (spec §4.10's profile
// search attribute filter): match profiles that either lack the
// attribute (if AcceptMissing) or whose value satisfies Wanted under
// the attribute's mode.
type Filter struct {
	AttributeId   uint16
	Wanted        uint16
	AcceptMissing bool
}

// Matches reports whether a profile value satisfies this filter, given
// the attribute's mode to interpret Wanted correctly:
//   - SelectSingleFilterSingle: Wanted must equal the profile's id.
//   - SelectSingleFilterMultiple / SelectMultipleFilterMultiple: Wanted
//     is a bitmask, and at least one wanted bit must be set in the
//     profile's value (overlap, not subset — the profile can have
//     other bits set too).
func (f Filter) Matches(mode Mode, value ProfileValue) bool {
	if !value.Present {
		return f.AcceptMissing
	}
	if mode.IsBitflag() {
		return f.Wanted&value.Id != 0
	}
	return f.Wanted == value.Id
}

// MatchAll reports whether a profile satisfies every filter in the
// set, looking up each filter's attribute by id in the schema and the
// profile's stored values by the same id. A filter whose attribute id
// is unknown to the schema never matches — a stale filter referencing
// a removed attribute should not silently pass everyone.
func MatchAll(schema *Schema, filters []Filter, profileValues map[uint16]ProfileValue) bool {
	for _, f := range filters {
		attr, ok := schema.ById(f.AttributeId)
		if !ok {
			return false
		}
		value, present := profileValues[f.AttributeId]
		value.Present = present
		if !f.Matches(attr.Mode, value) {
			return false
		}
	}
	return true
}
