package scheduling

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotStatus(t *testing.T, f *fixture, id uuid.UUID) SlotStatus {
	t.Helper()
	s, err := f.svc.Slots.Get(context.Background(), id, testNow)
	require.NoError(t, err)
	return s.Status
}

func TestBook(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))

	a := f.book(t, s, "stu-1", TypeVirtual)
	assert.Equal(t, AppointmentPending, a.Status)
	assert.Equal(t, s.ID, a.SlotID)
	assert.Equal(t, "th-1", a.TherapistID)
	assert.Equal(t, "parent-of-stu-1", a.BookedBy)
	assert.Equal(t, s.Date, a.Date)
	assert.Equal(t, s.Start, a.Start)
	assert.Equal(t, s.End, a.End)
	assert.Equal(t, SlotBooked, slotStatus(t, f, s.ID))

	got, err := f.svc.Bookings.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	types := f.notifier.types()
	assert.Equal(t, EventAppointmentBooked, types[len(types)-1])
}

func TestBook_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	f.book(t, s, "stu-1", TypeVirtual)
	other := f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20))
	otherDay := f.slot(t, "th-1", tomorrow.AddDays(1), At(11, 0), At(11, 20))

	tests := []struct {
		name string
		req  BookRequest
		want error
	}{
		{"taken", BookRequest{SlotID: s.ID, SubjectID: "stu-2", Type: TypeVirtual}, ErrConflict},
		{"same subject same day", BookRequest{SlotID: other.ID, SubjectID: "stu-1", Type: TypeInPerson}, ErrDuplicateBooking},
		{"unknown slot", BookRequest{SlotID: uuid.New(), SubjectID: "stu-2", Type: TypeVirtual}, ErrSlotNotFound},
		{"no subject", BookRequest{SlotID: other.ID, SubjectID: "  ", Type: TypeVirtual}, ErrInvalidInput},
		{"bad type", BookRequest{SlotID: other.ID, SubjectID: "stu-2", Type: "phone"}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Bookings.Book(ctx, tt.req, testNow)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, SlotAvailable, slotStatus(t, f, other.ID))

	// Same subject on another day is fine.
	_, err := f.svc.Bookings.Book(ctx, BookRequest{SlotID: otherDay.ID, SubjectID: "stu-1", Type: TypeVirtual}, testNow)
	assert.NoError(t, err)
}

func TestBook_PastSlot(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", today, At(10, 0), At(10, 20))

	later := testNow.Add(time.Hour)
	_, err := f.svc.Bookings.Book(context.Background(), BookRequest{SlotID: s.ID, SubjectID: "stu-1", Type: TypeVirtual}, later)
	assert.ErrorIs(t, err, ErrPastTime)
	assert.Equal(t, SlotAvailable, slotStatus(t, f, s.ID))
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	const workers = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*Appointment
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.svc.Bookings.Book(context.Background(), BookRequest{
				SlotID:    s.ID,
				SubjectID: fmt.Sprintf("stu-%d", i),
				Type:      TypeInPerson,
			}, testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, a)
			case KindOf(err) == KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, conflicts)

	live, total, err := f.svc.Bookings.List(context.Background(), AppointmentFilter{TherapistID: "th-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, winners[0].ID, live[0].ID)
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	virtual := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeVirtual)
	inPerson := f.book(t, f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20)), "stu-2", TypeInPerson)

	_, err := f.svc.Bookings.Confirm(ctx, virtual.ID, " ", testNow)
	assert.ErrorIs(t, err, ErrMeetingLinkRequired)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	got, err := f.svc.Bookings.Confirm(ctx, virtual.ID, "https://meet.example.test/a", testNow)
	require.NoError(t, err)
	assert.Equal(t, AppointmentConfirmed, got.Status)
	assert.Equal(t, "https://meet.example.test/a", got.MeetingLink)
	require.NotNil(t, got.ConfirmedAt)

	got, err = f.svc.Bookings.Confirm(ctx, virtual.ID, "https://meet.example.test/b", testNow)
	require.NoError(t, err)
	assert.Equal(t, "https://meet.example.test/b", got.MeetingLink, "reconfirming replaces the link")

	got, err = f.svc.Bookings.Confirm(ctx, inPerson.ID, "https://ignored.example.test", testNow)
	require.NoError(t, err)
	assert.Equal(t, AppointmentConfirmed, got.Status)
	assert.Empty(t, got.MeetingLink)

	_, err = f.svc.Bookings.Confirm(ctx, uuid.New(), "", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirm_Cancelled(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeInPerson)
	_, err := f.svc.Bookings.Cancel(context.Background(), a.ID, "", testNow)
	require.NoError(t, err)

	_, err = f.svc.Bookings.Confirm(context.Background(), a.ID, "", testNow)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	a := f.book(t, s, "stu-1", TypeVirtual)
	_, err := f.svc.Bookings.Confirm(ctx, a.ID, "https://meet.example.test/a", testNow)
	require.NoError(t, err)

	got, err := f.svc.Bookings.Cancel(ctx, a.ID, "  sick  ", testNow)
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, got.Status)
	assert.Equal(t, "sick", got.CancellationReason)
	require.NotNil(t, got.CancelledAt)
	assert.Empty(t, got.MeetingLink)

	stored, err := f.svc.Bookings.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.MeetingLink)
	assert.Equal(t, SlotAvailable, slotStatus(t, f, s.ID))

	_, err = f.svc.Bookings.Cancel(ctx, a.ID, "", testNow)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)

	_, err = f.svc.Bookings.Cancel(ctx, uuid.New(), "", testNow)
	assert.ErrorIs(t, err, ErrNotFound)

	// The freed slot can be booked again, by the same subject too.
	again := f.book(t, s, "stu-1", TypeInPerson)
	assert.NotEqual(t, a.ID, again.ID)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	to := f.slot(t, "th-1", tomorrow, At(13, 0), At(13, 20))
	a := f.book(t, from, "stu-1", TypeVirtual)
	_, err := f.svc.Bookings.Confirm(ctx, a.ID, "https://meet.example.test/a", testNow)
	require.NoError(t, err)

	next, err := f.svc.Bookings.Reschedule(ctx, a.ID, to.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, AppointmentPending, next.Status)
	assert.Equal(t, to.ID, next.SlotID)
	assert.Empty(t, next.MeetingLink)
	require.NotNil(t, next.RescheduledFrom)
	assert.Equal(t, a.ID, *next.RescheduledFrom)

	prev, err := f.svc.Bookings.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, prev.Status)
	assert.Equal(t, "rescheduled", prev.CancellationReason)
	assert.Empty(t, prev.MeetingLink)
	require.NotNil(t, prev.RescheduledTo)
	assert.Equal(t, next.ID, *prev.RescheduledTo)

	assert.Equal(t, SlotAvailable, slotStatus(t, f, from.ID))
	assert.Equal(t, SlotBooked, slotStatus(t, f, to.ID))

	f.notifier.mu.Lock()
	last := f.notifier.events[len(f.notifier.events)-1]
	f.notifier.mu.Unlock()
	assert.Equal(t, EventAppointmentRescheduled, last.Type)
	assert.Equal(t, a.ID, last.Previous.ID)
	assert.Equal(t, next.ID, last.Appointment.ID)
}

func TestReschedule_AcrossTherapists(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeInPerson)
	to := f.slot(t, "th-2", tomorrow, At(10, 0), At(10, 20))

	next, err := f.svc.Bookings.Reschedule(context.Background(), a.ID, to.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, "th-2", next.TherapistID)
}

func TestReschedule_FailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	taken := f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20))
	a := f.book(t, from, "stu-1", TypeVirtual)
	f.book(t, taken, "stu-2", TypeVirtual)

	_, err := f.svc.Bookings.Reschedule(ctx, a.ID, taken.ID, testNow)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.Bookings.Reschedule(ctx, a.ID, from.ID, testNow)
	assert.ErrorIs(t, err, ErrSameSlot)

	_, err = f.svc.Bookings.Reschedule(ctx, a.ID, uuid.New(), testNow)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	got, err := f.svc.Bookings.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentPending, got.Status)
	assert.Equal(t, SlotBooked, slotStatus(t, f, from.ID))

	_, total, err := f.svc.Bookings.List(ctx, AppointmentFilter{SubjectID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestReschedule_DuplicateOnTargetDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeVirtual)
	f.book(t, f.slot(t, "th-1", tomorrow.AddDays(1), At(10, 0), At(10, 20)), "stu-1", TypeVirtual)
	target := f.slot(t, "th-1", tomorrow.AddDays(1), At(11, 0), At(11, 20))

	_, err := f.svc.Bookings.Reschedule(ctx, a.ID, target.ID, testNow)
	assert.ErrorIs(t, err, ErrDuplicateBooking)

	// Moving within the same day does not collide with itself.
	sameDay := f.slot(t, "th-1", tomorrow, At(12, 0), At(12, 20))
	_, err = f.svc.Bookings.Reschedule(ctx, a.ID, sameDay.ID, testNow)
	assert.NoError(t, err)
}

func TestReschedule_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeVirtual)
	to := f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20))
	_, err := f.svc.Bookings.Cancel(ctx, a.ID, "", testNow)
	require.NoError(t, err)

	_, err = f.svc.Bookings.Reschedule(ctx, a.ID, to.ID, testNow)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestBookings_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20)), "stu-1", TypeVirtual)
	f.book(t, f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20)), "stu-2", TypeVirtual)
	f.book(t, f.slot(t, "th-2", tomorrow, At(11, 0), At(11, 20)), "stu-1", TypeVirtual)
	_, err := f.svc.Bookings.Cancel(ctx, a.ID, "", testNow)
	require.NoError(t, err)

	_, total, err := f.svc.Bookings.List(ctx, AppointmentFilter{TherapistID: "th-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = f.svc.Bookings.List(ctx, AppointmentFilter{SubjectID: "stu-1", Status: AppointmentPending})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, _, err = f.svc.Bookings.List(ctx, AppointmentFilter{From: tomorrow, To: today})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestObserverOutcomes(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	f.book(t, s, "stu-1", TypeVirtual)
	_, err := f.svc.Bookings.Book(context.Background(), BookRequest{SlotID: s.ID, SubjectID: "stu-2", Type: TypeVirtual}, testNow)
	require.Error(t, err)

	assert.Equal(t, []string{OutcomeOK, string(KindConflict)}, f.observer.outcomes["book"])
}

// TestBookingCoordinator_InterleavedOperationsKeepSlotsConsistent runs mixed
// writers over a small grid and checks the resulting slot and appointment
// state agree.
func TestBookingCoordinator_InterleavedOperationsKeepSlotsConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const (
		workers = 16
		ops     = 300
	)
	therapists := []string{"th-1", "th-2"}
	days := []Date{tomorrow, tomorrow.AddDays(1)}
	subjects := []string{"stu-1", "stu-2", "stu-3", "stu-4", "stu-5", "stu-6"}

	var (
		mu       sync.Mutex
		slotIDs  []uuid.UUID
		apptIDs  []uuid.UUID
		outcomes = make(map[string]int)
	)
	for _, th := range therapists {
		for _, d := range days {
			for i := 0; i < 6; i++ {
				start := At(10, 0) + TimeOfDay(20*i)
				slotIDs = append(slotIDs, f.slot(t, th, d, start, start+20).ID)
			}
		}
	}

	pick := func(r *rand.Rand, ids []uuid.UUID) uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return uuid.New()
		}
		return ids[r.Intn(len(ids))]
	}
	record := func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[op+":"+string(KindOf(err))]++
		if KindOf(err) == KindInternal {
			t.Errorf("%s: %v", op, err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < ops; i++ {
				switch n := r.Intn(10); {
				case n < 4:
					typ := TypeInPerson
					if r.Intn(2) == 0 {
						typ = TypeVirtual
					}
					a, err := f.svc.Bookings.Book(ctx, BookRequest{
						SlotID:    pick(r, slotIDs),
						SubjectID: subjects[r.Intn(len(subjects))],
						Type:      typ,
					}, testNow)
					if err == nil {
						mu.Lock()
						apptIDs = append(apptIDs, a.ID)
						mu.Unlock()
					}
					record("book", err)
				case n < 6:
					_, err := f.svc.Bookings.Cancel(ctx, pick(r, apptIDs), "", testNow)
					record("cancel", err)
				case n < 8:
					a, err := f.svc.Bookings.Reschedule(ctx, pick(r, apptIDs), pick(r, slotIDs), testNow)
					if err == nil {
						mu.Lock()
						apptIDs = append(apptIDs, a.ID)
						mu.Unlock()
					}
					record("reschedule", err)
				case n < 9:
					_, err := f.svc.Bookings.Confirm(ctx, pick(r, apptIDs), "https://meet.example.test/r", testNow)
					record("confirm", err)
				default:
					if r.Intn(2) == 0 {
						_, err := f.svc.Slots.Remove(ctx, pick(r, slotIDs), testNow)
						record("remove", err)
						continue
					}
					start := At(10, 0) + TimeOfDay(20*r.Intn(6))
					s, err := f.svc.Slots.Create(ctx, therapists[r.Intn(len(therapists))],
						days[r.Intn(len(days))], start, start+20, testNow)
					if err == nil {
						mu.Lock()
						slotIDs = append(slotIDs, s.ID)
						mu.Unlock()
					}
					record("create", err)
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	t.Logf("outcomes: %v", outcomes)
	require.Positive(t, outcomes["book:"], "some bookings should succeed")

	appts, _, err := f.svc.Bookings.List(ctx, AppointmentFilter{})
	require.NoError(t, err)
	liveBySlot := make(map[uuid.UUID][]*Appointment)
	perSubjectDay := make(map[string]int)
	for _, a := range appts {
		if !a.Live() {
			assert.Empty(t, a.MeetingLink, "cancelled appointment %s keeps a meeting link", a.ID)
			continue
		}
		liveBySlot[a.SlotID] = append(liveBySlot[a.SlotID], a)
		key := fmt.Sprintf("%s/%s/%s", a.SubjectID, a.TherapistID, a.Date)
		perSubjectDay[key]++
		assert.Equal(t, 1, perSubjectDay[key], "duplicate live booking for %s", key)
	}

	slotsByID := make(map[uuid.UUID]*Slot)
	for _, th := range therapists {
		slots, err := f.svc.Slots.ListByTherapist(ctx, th, Date{}, Date{}, testNow)
		require.NoError(t, err)
		for _, s := range slots {
			slotsByID[s.ID] = s
			switch s.Status {
			case SlotBooked:
				assert.Len(t, liveBySlot[s.ID], 1, "booked slot %s", s.ID)
			case SlotAvailable:
				assert.Empty(t, liveBySlot[s.ID], "available slot %s", s.ID)
			default:
				t.Errorf("slot %s has unexpected status %s", s.ID, s.Status)
			}
		}
	}
	for slotID, live := range liveBySlot {
		s, ok := slotsByID[slotID]
		if !assert.True(t, ok, "live appointment on missing slot %s", slotID) {
			continue
		}
		assert.Equal(t, SlotBooked, s.Status)
		for _, a := range live {
			assert.Equal(t, s.TherapistID, a.TherapistID)
			assert.Equal(t, s.Date, a.Date)
			assert.Equal(t, s.Start, a.Start)
		}
	}
}
