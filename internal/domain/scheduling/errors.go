package scheduling

import "errors"

var (
	ErrInvalidRange        = errors.New("invalid time range")
	ErrInvalidInput        = errors.New("invalid input")
	ErrMeetingLinkRequired = errors.New("meeting link is required for virtual appointments")
	ErrPastTime            = errors.New("requested time has already passed")
	ErrOverlap             = errors.New("slot overlaps an existing slot")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrNotAvailable        = errors.New("slot is not available")
	ErrConflict            = errors.New("slot is no longer available, refresh available slots")
	ErrDuplicateBooking    = errors.New("subject already has an appointment with this therapist on this date")
	ErrNotFound            = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment is already cancelled")
	ErrSameSlot            = errors.New("new slot is the current slot")
)

// Kind is the stable, caller-facing name of an error.
type Kind string

const (
	KindInvalidRange     Kind = "invalid_range"
	KindInvalidInput     Kind = "invalid_input"
	KindPastTime         Kind = "past_time"
	KindOverlap          Kind = "overlap"
	KindSlotNotFound     Kind = "slot_not_found"
	KindNotAvailable     Kind = "not_available"
	KindConflict         Kind = "conflict"
	KindDuplicateBooking Kind = "duplicate_booking"
	KindNotFound         Kind = "not_found"
	KindAlreadyCancelled Kind = "already_cancelled"
	KindSameSlot         Kind = "same_slot"
	KindInternal         Kind = "internal"
)

var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidRange, KindInvalidRange},
	{ErrInvalidInput, KindInvalidInput},
	{ErrMeetingLinkRequired, KindInvalidInput},
	{ErrPastTime, KindPastTime},
	{ErrOverlap, KindOverlap},
	{ErrSlotNotFound, KindSlotNotFound},
	{ErrNotAvailable, KindNotAvailable},
	{ErrConflict, KindConflict},
	{ErrDuplicateBooking, KindDuplicateBooking},
	{ErrNotFound, KindNotFound},
	{ErrAlreadyCancelled, KindAlreadyCancelled},
	{ErrSameSlot, KindSameSlot},
}

// KindOf classifies err. A nil error has an empty kind; anything unknown is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}
