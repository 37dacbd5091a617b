package attributes

import "fmt"

const (
	lastIntegerId  = 0x7FFF // i16::MAX
	firstBitflagId = 1
	lastBitflagId  = 0x40
)

// idSequence is ModeAndIdSequenceNumber: it both validates an
// explicitly supplied id and mints the next implicit one, in either
// the attribute's own mode (for attribute/value ids) or a plain
// increment-only mode (for order numbers, which are always dense
// integers regardless of the attribute's id mode).
type idSequence struct {
	mode    Mode
	current *uint16
}

func newIdSequence(mode Mode) *idSequence { return &idSequence{mode: mode} }

func newOrderNumberSequence() *idSequence { return newIdSequence(ModeSelectSingleFilterSingle) }

func validateIntegerId(id uint16) error {
	if id > lastIntegerId {
		return fmt.Errorf("invalid id %d, id > %d", id, lastIntegerId)
	}
	return nil
}

func validateBitflagId(id uint16) error {
	if bitsSet(id) != 1 {
		return fmt.Errorf("invalid id %d, must have exactly one bit set", id)
	}
	if id < firstBitflagId {
		return fmt.Errorf("invalid id %d, id < %d", id, firstBitflagId)
	}
	if id > lastBitflagId {
		return fmt.Errorf("invalid id %d, id > %d", id, lastBitflagId)
	}
	return nil
}

func bitsSet(id uint16) int {
	count := 0
	for id != 0 {
		count += int(id & 1)
		id >>= 1
	}
	return count
}

// setValue validates an explicitly supplied id and adopts it as the
// current id.
func (s *idSequence) setValue(id uint16) (uint16, error) {
	var err error
	if s.mode.IsBitflag() {
		err = validateBitflagId(id)
	} else {
		err = validateIntegerId(id)
	}
	if err != nil {
		return 0, err
	}
	s.current = &id
	return id, nil
}

// increment mints the next id after the current one (0 or 1 if none
// set yet, depending on mode).
func (s *idSequence) increment() (uint16, error) {
	if s.mode.IsBitflag() {
		next := uint16(1)
		if s.current != nil {
			next = *s.current << 1
		}
		if err := validateBitflagId(next); err != nil {
			return 0, err
		}
		s.current = &next
		return next, nil
	}

	next := uint16(0)
	if s.current != nil {
		next = *s.current + 1
	}
	if err := validateIntegerId(next); err != nil {
		return 0, err
	}
	s.current = &next
	return next, nil
}
