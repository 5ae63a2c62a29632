package scheduling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictDetector_CanBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	openSlot := f.slot(t, "th-1", tomorrow, At(10, 0), At(10, 20))
	booked := f.slot(t, "th-1", tomorrow, At(11, 0), At(11, 20))
	f.book(t, booked, "stu-1", TypeVirtual)

	assert.True(t, f.svc.Detector.CanBook(ctx, openSlot.ID, testNow))
	assert.False(t, f.svc.Detector.CanBook(ctx, booked.ID, testNow))
	assert.False(t, f.svc.Detector.CanBook(ctx, uuid.New(), testNow))

	assert.ErrorIs(t, f.svc.Detector.Explain(ctx, booked.ID, testNow), ErrConflict)
	assert.ErrorIs(t, f.svc.Detector.Explain(ctx, uuid.New(), testNow), ErrSlotNotFound)

	atStart := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	assert.ErrorIs(t, f.svc.Detector.Explain(ctx, openSlot.ID, atStart), ErrPastTime)
}

func TestConflictDetector_AgreesWithCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.slot(t, "th-1", tomorrow, At(10, 0), At(11, 0))

	cases := []struct {
		therapistID string
		date        Date
		start, end  TimeOfDay
		want        Kind
	}{
		{"th-1", tomorrow, At(10, 30), At(11, 30), KindOverlap},
		{" th-1 ", tomorrow, At(10, 10), At(10, 30), KindOverlap},
		{"th-1", Date{}, At(14, 0), At(14, 20), KindInvalidInput},
		{" ", tomorrow, At(14, 0), At(14, 20), KindInvalidInput},
		{"th-1", tomorrow, At(11, 0), At(11, 30), ""},
		{"th-1", today, At(8, 0), At(8, 30), KindPastTime},
		{"th-1", tomorrow, At(12, 0), At(12, 5), KindInvalidRange},
		{" th-1", tomorrow, At(13, 0), At(13, 20), ""},
	}
	for _, c := range cases {
		predicted := f.svc.Detector.CanCreateSlot(ctx, c.therapistID, c.date, c.start, c.end, testNow)
		_, actual := f.svc.Slots.Create(ctx, c.therapistID, c.date, c.start, c.end, testNow)
		label := fmt.Sprintf("%q %s %s-%s", c.therapistID, c.date, c.start, c.end)
		assert.Equal(t, c.want, KindOf(predicted), label)
		assert.Equal(t, KindOf(predicted), KindOf(actual), label)
	}
}

func TestAdmitSlot(t *testing.T) {
	existing := []*Slot{{Date: tomorrow, Start: At(10, 0), End: At(10, 20)}}

	require.NoError(t, admitSlot(existing, tomorrow, At(10, 20), At(10, 40), testNow))
	require.NoError(t, admitSlot(existing, tomorrow.AddDays(1), At(10, 0), At(10, 20), testNow))
	assert.ErrorIs(t, admitSlot(existing, tomorrow, At(10, 10), At(10, 30), testNow), ErrOverlap)
}
