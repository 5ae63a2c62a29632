package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Monday 2026-03-02 09:00 UTC.
var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

var (
	today    = DateOf(testNow)
	tomorrow = today.AddDays(1)
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) ObserveOperation(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string][]string)
	}
	o.outcomes[op] = append(o.outcomes[op], outcome)
}

type fixture struct {
	repo     *MemoryRepository
	svc      *Service
	notifier *recordingNotifier
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		notifier: &recordingNotifier{},
		observer: &recordingObserver{},
	}
	f.svc = NewService(f.repo, WithNotifier(f.notifier), WithObserver(f.observer))
	return f
}

func (f *fixture) slot(t *testing.T, therapistID string, date Date, start, end TimeOfDay) *Slot {
	t.Helper()
	s, err := f.svc.Slots.Create(context.Background(), therapistID, date, start, end, testNow)
	require.NoError(t, err)
	return s
}

func (f *fixture) book(t *testing.T, slot *Slot, subjectID string, typ AppointmentType) *Appointment {
	t.Helper()
	a, err := f.svc.Bookings.Book(context.Background(), BookRequest{
		SlotID:    slot.ID,
		SubjectID: subjectID,
		Type:      typ,
		BookedBy:  "parent-of-" + subjectID,
	}, testNow)
	require.NoError(t, err)
	return a
}
