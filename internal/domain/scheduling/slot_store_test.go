package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotStore_Create(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, SlotAvailable, s.Status)
	assert.Equal(t, testNow, s.CreatedAt)

	got, err := f.svc.Slots.Get(context.Background(), s.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, []EventType{EventSlotCreated}, f.notifier.types())
	assert.Equal(t, []string{OutcomeOK}, f.observer.outcomes["create_slot"])
}

func TestSlotStore_CreateRejects(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "th-1", tomorrow, At(10, 0), At(11, 0))
	ctx := context.Background()

	tests := []struct {
		name        string
		therapistID string
		date        Date
		start, end  TimeOfDay
		want        error
	}{
		{"overlap", "th-1", tomorrow, At(10, 30), At(11, 30), ErrOverlap},
		{"contained", "th-1", tomorrow, At(10, 20), At(10, 40), ErrOverlap},
		{"past", "th-1", today, At(8, 0), At(8, 30), ErrPastTime},
		{"starts now", "th-1", today, At(9, 0), At(9, 30), ErrPastTime},
		{"inverted", "th-1", tomorrow, At(14, 0), At(13, 0), ErrInvalidRange},
		{"too short", "th-1", tomorrow, At(14, 0), At(14, 5), ErrInvalidRange},
		{"too long", "th-1", tomorrow, At(8, 0), At(12, 1), ErrInvalidRange},
		{"no therapist", " ", tomorrow, At(14, 0), At(15, 0), ErrInvalidInput},
		{"no date", "th-1", Date{}, At(14, 0), At(15, 0), ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Slots.Create(ctx, tt.therapistID, tt.date, tt.start, tt.end, testNow)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	slots, err := f.svc.Slots.ListByTherapist(ctx, "th-1", Date{}, Date{}, testNow)
	require.NoError(t, err)
	assert.Len(t, slots, 1, "rejected creates leave no slots behind")
}

func TestSlotStore_CreateAdjacentAndOtherTherapist(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	f.slot(t, "th-1", tomorrow, At(10, 20), At(10, 40))
	f.slot(t, "th-1", tomorrow.AddDays(1), At(10, 0), At(10, 20))
	f.slot(t, "th-2", tomorrow, At(10, 0), At(10, 20))

	slots, err := f.svc.Slots.ListByTherapist(context.Background(), "th-1", tomorrow, tomorrow, testNow)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, At(10, 0), slots[0].Start)
	assert.Equal(t, At(10, 20), slots[1].Start)
}

func TestSlotStore_ConcurrentOverlappingCreates(t *testing.T) {
	f := newFixture(t)
	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		overlap int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := At(10, i)
			_, err := f.svc.Slots.Create(context.Background(), "th-1", tomorrow, start, start+30, testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case KindOf(err) == KindOverlap:
				overlap++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, overlap)
}

func TestSlotStore_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))

	removed, err := f.svc.Slots.Remove(ctx, s.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, s.ID, removed.ID)

	_, err = f.svc.Slots.Get(ctx, s.ID, testNow)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	_, err = f.svc.Slots.Remove(ctx, s.ID, testNow)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	assert.Equal(t, []EventType{EventSlotCreated, EventSlotRemoved}, f.notifier.types())
	assert.Equal(t, []string{OutcomeOK, string(KindSlotNotFound)}, f.observer.outcomes["remove_slot"])
}

func TestSlotStore_RemoveBookedSlot(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	f.book(t, s, "stu-1", TypeInPerson)

	_, err := f.svc.Slots.Remove(context.Background(), s.ID, testNow)
	assert.ErrorIs(t, err, ErrNotAvailable)

	got, err := f.svc.Slots.Get(context.Background(), s.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, got.Status)
}

func TestSlotStore_RemovedSlotFreesInterval(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(11, 0))
	_, err := f.svc.Slots.Remove(context.Background(), s.ID, testNow)
	require.NoError(t, err)

	f.slot(t, "th-1", tomorrow, At(10, 30), At(11, 30))
}

func TestSlotStore_CreateBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.slot(t, "th-1", today, At(13, 10), At(13, 50))

	created, skipped, err := f.svc.FillPresets(ctx, "th-1", today, testNow)
	require.NoError(t, err)

	// 21 grid blocks; 13:00-13:20, 13:20-13:40 and 13:40-14:00 hit the
	// custom slot. 09:00 now means none are past.
	assert.Len(t, created, 18)
	require.Len(t, skipped, 3)
	for _, sk := range skipped {
		assert.Equal(t, KindOverlap, sk.Kind)
	}

	// Running it again creates nothing.
	created, skipped, err = f.svc.FillPresets(ctx, "th-1", today, testNow)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, skipped, 21)

	types := f.notifier.types()
	assert.Equal(t, []EventType{EventSlotCreated, EventSlotCreated}, types, "an empty batch publishes nothing")
}

func TestSlotStore_CreateBatchSkipsPast(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, time.March, 2, 14, 30, 0, 0, time.UTC)

	created, skipped, err := f.svc.FillPresets(context.Background(), "th-1", today, now)
	require.NoError(t, err)
	for _, s := range created {
		assert.False(t, IsPast(s.Date, s.Start, now))
	}
	for _, sk := range skipped {
		assert.Equal(t, KindPastTime, sk.Kind)
	}
	// 14:40 through 15:40 plus the evening shift.
	assert.Len(t, created, 4+6)
	assert.Len(t, skipped, 11)
}

func TestSlotStore_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for d := 0; d < 3; d++ {
		f.slot(t, "th-1", tomorrow.AddDays(d), At(10, 0), At(10, 20))
	}

	slots, total, err := f.svc.Slots.List(ctx, SlotFilter{TherapistID: "th-1", Limit: 2, Offset: 1}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, slots, 2)
	assert.Equal(t, tomorrow.AddDays(1), slots[0].Date)

	_, _, err = f.svc.Slots.List(ctx, SlotFilter{}, testNow)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = f.svc.Slots.List(ctx, SlotFilter{TherapistID: "th-1", From: tomorrow, To: today}, testNow)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestSlotStore_PastAvailableSlotsReportExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.slot(t, "th-1", today, At(10, 0), At(10, 20))
	booked := f.slot(t, "th-1", today, At(11, 0), At(11, 20))
	upcoming := f.slot(t, "th-1", today, At(13, 0), At(13, 20))
	f.book(t, booked, "stu-1", TypeInPerson)
	noon := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

	bookable, total, err := f.svc.Slots.List(ctx, SlotFilter{TherapistID: "th-1", Status: SlotAvailable}, noon)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, bookable, 1)
	assert.Equal(t, upcoming.ID, bookable[0].ID)
	assert.Equal(t, SlotAvailable, bookable[0].Status)

	expired, total, err := f.svc.Slots.List(ctx, SlotFilter{TherapistID: "th-1", Status: SlotExpired}, noon)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, expired, 1)
	assert.Equal(t, started.ID, expired[0].ID)

	all, total, err := f.svc.Slots.List(ctx, SlotFilter{TherapistID: "th-1"}, noon)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	statuses := make(map[uuid.UUID]SlotStatus)
	for _, s := range all {
		statuses[s.ID] = s.Status
	}
	assert.Equal(t, map[uuid.UUID]SlotStatus{
		started.ID:  SlotExpired,
		booked.ID:   SlotBooked,
		upcoming.ID: SlotAvailable,
	}, statuses)

	byDay, err := f.svc.Slots.ListByTherapist(ctx, "th-1", today, today, noon)
	require.NoError(t, err)
	require.Len(t, byDay, 3)
	assert.Equal(t, SlotExpired, byDay[0].Status)

	got, err := f.svc.Slots.Get(ctx, started.ID, noon)
	require.NoError(t, err)
	assert.Equal(t, SlotExpired, got.Status)

	atStart := time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)
	got, err = f.svc.Slots.Get(ctx, upcoming.ID, atStart)
	require.NoError(t, err)
	assert.Equal(t, SlotExpired, got.Status, "a slot starting now is no longer available")

	got, err = f.svc.Slots.Get(ctx, started.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status, "expiry is derived, not stored")
}

func TestSlotStore_ListClampsNegativePaging(t *testing.T) {
	f := newFixture(t)
	s := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20))
	f.book(t, s, "stu-1", TypeInPerson)

	slots, total, err := f.svc.Slots.List(context.Background(), SlotFilter{TherapistID: "th-1", Limit: -1, Offset: -5}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, slots, 2)

	appts, _, err := f.svc.Bookings.List(context.Background(), AppointmentFilter{TherapistID: "th-1", Offset: -1})
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}
