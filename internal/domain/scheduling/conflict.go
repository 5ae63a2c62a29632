package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// admitSlot is the admission predicate for a new slot on a therapist's day.
// SlotStore applies it under the therapist lock and ConflictDetector applies
// it to a snapshot, so both always agree.
func admitSlot(existing []*Slot, date Date, start, end TimeOfDay, now time.Time) error {
	if err := validateRange(start, end); err != nil {
		return err
	}
	if IsPast(date, start, now) {
		return fmt.Errorf("%w: %s %s", ErrPastTime, date, start)
	}
	for _, s := range existing {
		if s.Date == date && Overlaps(start, end, s.Start, s.End) {
			return fmt.Errorf("%w: %s-%s intersects %s-%s", ErrOverlap, start, end, s.Start, s.End)
		}
	}
	return nil
}

// admitBooking checks that a live slot can take a new appointment.
func admitBooking(s *Slot, now time.Time) error {
	if IsPast(s.Date, s.Start, now) {
		return fmt.Errorf("%w: slot %s started at %s %s", ErrPastTime, s.ID, s.Date, s.Start)
	}
	if s.Status != SlotAvailable {
		return fmt.Errorf("%w: slot %s is %s", ErrConflict, s.ID, s.Status)
	}
	return nil
}

// ConflictDetector answers admission questions from a current snapshot so
// callers can pre-validate before submitting. The authoritative check is
// repeated inside the write transaction.
type ConflictDetector struct {
	repo  Repository
	slots *SlotStore
}

func NewConflictDetector(repo Repository, slots *SlotStore) *ConflictDetector {
	return &ConflictDetector{repo: repo, slots: slots}
}

// CanBook reports whether the slot exists, is available and has not started.
func (d *ConflictDetector) CanBook(ctx context.Context, slotID uuid.UUID, now time.Time) bool {
	return d.Explain(ctx, slotID, now) == nil
}

// Explain returns why a slot cannot be booked, or nil when it can.
func (d *ConflictDetector) Explain(ctx context.Context, slotID uuid.UUID, now time.Time) error {
	s, err := d.repo.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	return admitBooking(s, now)
}

// CanCreateSlot runs the same checks SlotStore.Create will run.
func (d *ConflictDetector) CanCreateSlot(ctx context.Context, therapistID string, date Date, start, end TimeOfDay, now time.Time) error {
	return d.slots.check(ctx, therapistID, date, start, end, now)
}
