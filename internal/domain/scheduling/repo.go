package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Tx is a unit of work over one or more therapists' calendars. Writes made
// through a Tx become visible to other callers only when the enclosing InTx
// returns nil, and are discarded otherwise.
type Tx interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	SlotsOn(ctx context.Context, therapistID string, date Date) ([]*Slot, error)
	InsertSlot(ctx context.Context, s *Slot) error
	// DeleteSlot removes an available slot; a booked slot yields ErrNotAvailable.
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	// SetSlotStatus moves a slot from one status to another and fails with
	// ErrConflict when the slot is not currently in from.
	SetSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus, at time.Time) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LiveAppointments(ctx context.Context, therapistID, subjectID string, date Date) ([]*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
}

// Repository is the storage boundary for slots and appointments.
type Repository interface {
	// InTx runs fn serialized against every other InTx call that names any of
	// the same therapists. Calls for disjoint therapists run independently.
	InTx(ctx context.Context, therapistIDs []string, fn func(tx Tx) error) error

	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]*Slot, int, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error)
}

// lockOrder returns the distinct keys in a fixed order so that transactions
// spanning several therapists cannot deadlock each other.
func lockOrder(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortSlots(slots []*Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if c := a.Date.compare(b.Date); c != 0 {
			return c < 0
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.TherapistID < b.TherapistID
	})
}

func sortAppointments(appts []*Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		a, b := appts[i], appts[j]
		if c := a.Date.compare(b.Date); c != 0 {
			return c < 0
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
