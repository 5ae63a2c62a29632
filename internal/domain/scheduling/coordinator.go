package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const rescheduledReason = "rescheduled"

// BookRequest carries the caller-supplied fields of a booking.
type BookRequest struct {
	SlotID    uuid.UUID
	SubjectID string
	Type      AppointmentType
	Reason    string
	BookedBy  string
}

// BookingCoordinator owns the appointment lifecycle
// pending -> confirmed -> cancelled and keeps every slot's status in step with
// the appointments that reference it. Each operation is one therapist-scoped
// transaction; concurrency losers get an error and are never retried.
type BookingCoordinator struct {
	repo  Repository
	slots *SlotStore
	hooks hooks
	newID func() uuid.UUID
}

func NewBookingCoordinator(repo Repository, slots *SlotStore) *BookingCoordinator {
	return &BookingCoordinator{
		repo:  repo,
		slots: slots,
		hooks: defaultHooks(),
		newID: uuid.New,
	}
}

// Book takes an available slot for a subject and creates a pending appointment.
func (c *BookingCoordinator) Book(ctx context.Context, req BookRequest, now time.Time) (*Appointment, error) {
	started := time.Now()
	appt, slot, err := c.book(ctx, req, now)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventAppointmentBooked, At: now, Appointment: appt, Slots: []*Slot{slot}}
	}
	c.hooks.finish(ctx, "book", started, err, evt)
	return appt, err
}

func (c *BookingCoordinator) book(ctx context.Context, req BookRequest, now time.Time) (*Appointment, *Slot, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		return nil, nil, fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: type must be %q or %q", ErrInvalidInput, TypeVirtual, TypeInPerson)
	}

	snapshot, err := c.repo.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, nil, err
	}

	var (
		appt *Appointment
		slot *Slot
	)
	err = c.repo.InTx(ctx, []string{snapshot.TherapistID}, func(tx Tx) error {
		cur, err := tx.GetSlot(ctx, req.SlotID)
		if err != nil {
			return err
		}
		if err := admitBooking(cur, now); err != nil {
			return err
		}
		if err := c.checkDuplicate(ctx, tx, cur.TherapistID, req.SubjectID, cur.Date, uuid.Nil); err != nil {
			return err
		}
		if err := c.slots.markBooked(ctx, tx, cur.ID, now); err != nil {
			return err
		}
		a := &Appointment{
			ID:          c.newID(),
			SlotID:      cur.ID,
			TherapistID: cur.TherapistID,
			SubjectID:   req.SubjectID,
			BookedBy:    req.BookedBy,
			Type:        req.Type,
			Reason:      strings.TrimSpace(req.Reason),
			Status:      AppointmentPending,
			Date:        cur.Date,
			Start:       cur.Start,
			End:         cur.End,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertAppointment(ctx, a); err != nil {
			return err
		}
		cur.Status = SlotBooked
		cur.UpdatedAt = now
		appt, slot = a, cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return appt, slot, nil
}

// Confirm moves a live appointment to confirmed. Virtual appointments need a
// meeting link; for in-person ones any link is dropped. Confirming an already
// confirmed appointment replaces its link.
func (c *BookingCoordinator) Confirm(ctx context.Context, id uuid.UUID, meetingLink string, now time.Time) (*Appointment, error) {
	started := time.Now()
	appt, err := c.confirm(ctx, id, strings.TrimSpace(meetingLink), now)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventAppointmentConfirmed, At: now, Appointment: appt}
	}
	c.hooks.finish(ctx, "confirm", started, err, evt)
	return appt, err
}

func (c *BookingCoordinator) confirm(ctx context.Context, id uuid.UUID, meetingLink string, now time.Time) (*Appointment, error) {
	snapshot, err := c.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	var appt *Appointment
	err = c.repo.InTx(ctx, []string{snapshot.TherapistID}, func(tx Tx) error {
		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Live() {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
		}
		switch cur.Type {
		case TypeVirtual:
			if meetingLink == "" {
				return ErrMeetingLinkRequired
			}
			cur.MeetingLink = meetingLink
		default:
			cur.MeetingLink = ""
		}
		cur.Status = AppointmentConfirmed
		cur.ConfirmedAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, cur); err != nil {
			return err
		}
		appt = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Cancel ends a live appointment and frees its slot in the same transaction.
func (c *BookingCoordinator) Cancel(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*Appointment, error) {
	started := time.Now()
	appt, err := c.cancel(ctx, id, strings.TrimSpace(reason), now)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventAppointmentCancelled, At: now, Appointment: appt}
	}
	c.hooks.finish(ctx, "cancel", started, err, evt)
	return appt, err
}

func (c *BookingCoordinator) cancel(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*Appointment, error) {
	snapshot, err := c.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snapshot.Live() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
	}
	var appt *Appointment
	err = c.repo.InTx(ctx, []string{snapshot.TherapistID}, func(tx Tx) error {
		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Live() {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
		}
		if err := c.slots.markAvailable(ctx, tx, cur.SlotID, now); err != nil {
			return err
		}
		markCancelled(cur, reason, now)
		if err := tx.UpdateAppointment(ctx, cur); err != nil {
			return err
		}
		appt = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Reschedule replaces an appointment with a new pending one on newSlotID.
// The old appointment is cancelled and its slot freed only if the new slot
// can be taken; otherwise nothing changes.
func (c *BookingCoordinator) Reschedule(ctx context.Context, id, newSlotID uuid.UUID, now time.Time) (*Appointment, error) {
	started := time.Now()
	next, prev, err := c.reschedule(ctx, id, newSlotID, now)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventAppointmentRescheduled, At: now, Appointment: next, Previous: prev}
	}
	c.hooks.finish(ctx, "reschedule", started, err, evt)
	return next, err
}

func (c *BookingCoordinator) reschedule(ctx context.Context, id, newSlotID uuid.UUID, now time.Time) (*Appointment, *Appointment, error) {
	snapshot, err := c.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !snapshot.Live() {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
	}
	if snapshot.SlotID == newSlotID {
		return nil, nil, fmt.Errorf("%w: %s", ErrSameSlot, newSlotID)
	}
	target, err := c.repo.GetSlot(ctx, newSlotID)
	if err != nil {
		return nil, nil, err
	}

	var next, prev *Appointment
	err = c.repo.InTx(ctx, []string{snapshot.TherapistID, target.TherapistID}, func(tx Tx) error {
		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Live() {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
		}
		slot, err := tx.GetSlot(ctx, newSlotID)
		if err != nil {
			return err
		}
		if err := admitBooking(slot, now); err != nil {
			return err
		}
		if err := c.checkDuplicate(ctx, tx, slot.TherapistID, cur.SubjectID, slot.Date, cur.ID); err != nil {
			return err
		}

		if err := c.slots.markAvailable(ctx, tx, cur.SlotID, now); err != nil {
			return err
		}
		if err := c.slots.markBooked(ctx, tx, slot.ID, now); err != nil {
			return err
		}

		prevID := cur.ID
		fresh := &Appointment{
			ID:              c.newID(),
			SlotID:          slot.ID,
			TherapistID:     slot.TherapistID,
			SubjectID:       cur.SubjectID,
			BookedBy:        cur.BookedBy,
			Type:            cur.Type,
			Reason:          cur.Reason,
			Status:          AppointmentPending,
			RescheduledFrom: &prevID,
			Date:            slot.Date,
			Start:           slot.Start,
			End:             slot.End,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		nextID := fresh.ID
		markCancelled(cur, rescheduledReason, now)
		cur.RescheduledTo = &nextID

		if err := tx.UpdateAppointment(ctx, cur); err != nil {
			return err
		}
		if err := tx.InsertAppointment(ctx, fresh); err != nil {
			return err
		}
		next, prev = fresh, cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return next, prev, nil
}

func (c *BookingCoordinator) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return c.repo.GetAppointment(ctx, id)
}

func (c *BookingCoordinator) List(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return nil, 0, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, f.From, f.To)
	}
	return c.repo.ListAppointments(ctx, f)
}

// checkDuplicate enforces one live appointment per subject, therapist and
// day. exclude is the appointment being replaced, if any.
func (c *BookingCoordinator) checkDuplicate(ctx context.Context, tx Tx, therapistID, subjectID string, date Date, exclude uuid.UUID) error {
	live, err := tx.LiveAppointments(ctx, therapistID, subjectID, date)
	if err != nil {
		return fmt.Errorf("load appointments: %w", err)
	}
	for _, a := range live {
		if a.ID != exclude {
			return fmt.Errorf("%w: %s on %s (appointment %s)", ErrDuplicateBooking, subjectID, date, a.ID)
		}
	}
	return nil
}

// markCancelled retires a; a meeting link only lives on a confirmed
// appointment.
func markCancelled(a *Appointment, reason string, now time.Time) {
	a.Status = AppointmentCancelled
	a.MeetingLink = ""
	a.CancellationReason = reason
	a.CancelledAt = &now
	a.UpdatedAt = now
}
