package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	// SlotExpired is reported for an available slot whose start has passed.
	// It is derived on read and never stored.
	SlotExpired SlotStatus = "expired"
)

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type AppointmentType string

const (
	TypeVirtual  AppointmentType = "virtual"
	TypeInPerson AppointmentType = "in_person"
)

func (t AppointmentType) Valid() bool {
	return t == TypeVirtual || t == TypeInPerson
}

// Slot is a therapist-published window of time on one calendar day.
type Slot struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TherapistID string     `db:"therapist_id" json:"therapist_id"`
	Date        Date       `db:"slot_date" json:"date"`
	Start       TimeOfDay  `db:"start_minute" json:"start"`
	End         TimeOfDay  `db:"end_minute" json:"end"`
	Status      SlotStatus `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *Slot) Minutes() int {
	return int(s.End - s.Start)
}

func (s *Slot) String() string {
	return fmt.Sprintf("%s %s %s-%s", s.TherapistID, s.Date, s.Start, s.End)
}

func (s *Slot) clone() *Slot {
	c := *s
	return &c
}

// Appointment is a booking against exactly one slot. Cancelled appointments
// are kept for history.
type Appointment struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	SlotID             uuid.UUID         `db:"slot_id" json:"slot_id"`
	TherapistID        string            `db:"therapist_id" json:"therapist_id"`
	SubjectID          string            `db:"subject_id" json:"subject_id"`
	BookedBy           string            `db:"booked_by" json:"booked_by,omitempty"`
	Type               AppointmentType   `db:"type" json:"type"`
	Reason             string            `db:"reason" json:"reason,omitempty"`
	MeetingLink        string            `db:"meeting_link" json:"meeting_link,omitempty"`
	Status             AppointmentStatus `db:"status" json:"status"`
	CancellationReason string            `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	RescheduledFrom    *uuid.UUID        `db:"rescheduled_from" json:"rescheduled_from,omitempty"`
	RescheduledTo      *uuid.UUID        `db:"rescheduled_to" json:"rescheduled_to,omitempty"`
	Date               Date              `db:"slot_date" json:"date"`
	Start              TimeOfDay         `db:"start_minute" json:"start"`
	End                TimeOfDay         `db:"end_minute" json:"end"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
	ConfirmedAt        *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// Live reports whether the appointment still holds its slot.
func (a *Appointment) Live() bool {
	return a.Status != AppointmentCancelled
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.RescheduledFrom != nil {
		v := *a.RescheduledFrom
		c.RescheduledFrom = &v
	}
	if a.RescheduledTo != nil {
		v := *a.RescheduledTo
		c.RescheduledTo = &v
	}
	if a.ConfirmedAt != nil {
		v := *a.ConfirmedAt
		c.ConfirmedAt = &v
	}
	if a.CancelledAt != nil {
		v := *a.CancelledAt
		c.CancelledAt = &v
	}
	return &c
}

// SlotFilter narrows a therapist's slot listing. Zero dates are open bounds
// and a zero Limit returns everything. When AsOf is set, SlotAvailable only
// matches slots still in the future and SlotExpired matches the rest.
type SlotFilter struct {
	TherapistID string
	From        Date
	To          Date
	Status      SlotStatus
	AsOf        time.Time
	Limit       int
	Offset      int
}

func (f SlotFilter) match(s *Slot) bool {
	if f.TherapistID != "" && s.TherapistID != f.TherapistID {
		return false
	}
	if !f.From.IsZero() && s.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.Date.After(f.To) {
		return false
	}
	return f.matchStatus(s)
}

func (f SlotFilter) matchStatus(s *Slot) bool {
	switch {
	case f.Status == "":
		return true
	case f.AsOf.IsZero():
		return s.Status == f.Status
	case f.Status == SlotAvailable:
		return s.Status == SlotAvailable && !IsPast(s.Date, s.Start, f.AsOf)
	case f.Status == SlotExpired:
		return s.Status == SlotAvailable && IsPast(s.Date, s.Start, f.AsOf)
	default:
		return s.Status == f.Status
	}
}

// observe reports an available slot whose start has passed as expired.
func (s *Slot) observe(now time.Time) *Slot {
	if s.Status == SlotAvailable && IsPast(s.Date, s.Start, now) {
		s.Status = SlotExpired
	}
	return s
}

// page applies offset and limit to an already ordered result.
func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// AppointmentFilter narrows an appointment listing.
type AppointmentFilter struct {
	TherapistID string
	SubjectID   string
	Status      AppointmentStatus
	From        Date
	To          Date
	Limit       int
	Offset      int
}

func (f AppointmentFilter) match(a *Appointment) bool {
	if f.TherapistID != "" && a.TherapistID != f.TherapistID {
		return false
	}
	if f.SubjectID != "" && a.SubjectID != f.SubjectID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && a.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Date.After(f.To) {
		return false
	}
	return true
}
