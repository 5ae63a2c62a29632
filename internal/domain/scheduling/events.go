package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventSlotCreated            EventType = "slot.created"
	EventSlotRemoved            EventType = "slot.removed"
	EventAppointmentBooked      EventType = "appointment.booked"
	EventAppointmentConfirmed   EventType = "appointment.confirmed"
	EventAppointmentCancelled   EventType = "appointment.cancelled"
	EventAppointmentRescheduled EventType = "appointment.rescheduled"
)

// Event describes a committed change. For reschedules Appointment is the new
// booking and Previous the one it replaced.
type Event struct {
	Type        EventType    `json:"type"`
	At          time.Time    `json:"at"`
	Slots       []*Slot      `json:"slots,omitempty"`
	Appointment *Appointment `json:"appointment,omitempty"`
	Previous    *Appointment `json:"previous,omitempty"`
}

// Notifier receives events after their transaction has committed and all
// therapist locks are released. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// OutcomeOK is the outcome reported to an Observer for a successful
// operation; failures report their Kind.
const OutcomeOK = "ok"

// Observer records the outcome of every public operation.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

type NopObserver struct{}

func (NopObserver) ObserveOperation(string, string, time.Duration) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

type hooks struct {
	notifier Notifier
	observer Observer
	logger   zerolog.Logger
}

func defaultHooks() hooks {
	return hooks{
		notifier: NopNotifier{},
		observer: NopObserver{},
		logger:   zerolog.Nop(),
	}
}

// finish runs after the transaction has returned.
func (h hooks) finish(ctx context.Context, op string, started time.Time, err error, evt *Event) {
	kind := KindOf(err)
	outcome := OutcomeOK
	if err != nil {
		outcome = string(kind)
	}
	h.observer.ObserveOperation(op, outcome, time.Since(started))
	if err != nil {
		evt := h.logger.Debug()
		if kind == KindInternal {
			evt = h.logger.Error()
		}
		evt.Str("op", op).Str("kind", string(kind)).Err(err).Msg("scheduling operation failed")
		return
	}
	if evt != nil {
		h.logger.Debug().Str("op", op).Str("event", string(evt.Type)).Msg("scheduling operation committed")
		h.notifier.Notify(ctx, *evt)
	}
}
