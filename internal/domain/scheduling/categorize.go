package scheduling

import (
	"context"
	"fmt"
	"time"
)

type TimeOfDayBucket string

const (
	Morning   TimeOfDayBucket = "morning"
	Afternoon TimeOfDayBucket = "afternoon"
	Evening   TimeOfDayBucket = "evening"
)

type RelativeDay string

const (
	Today    RelativeDay = "today"
	Tomorrow RelativeDay = "tomorrow"
	ThisWeek RelativeDay = "this_week"
)

type Bucketing string

const (
	ByTimeOfDay   Bucketing = "time_of_day"
	ByRelativeDay Bucketing = "relative_day"
)

const (
	afternoonStartsHour = 12
	eveningStartsHour   = 18
	weekDays            = 7
)

// BucketOf returns the time-of-day bucket for a slot starting at t.
func BucketOf(t TimeOfDay) TimeOfDayBucket {
	switch {
	case t.Hour() < afternoonStartsHour:
		return Morning
	case t.Hour() < eveningStartsHour:
		return Afternoon
	default:
		return Evening
	}
}

// open reports whether a slot should be offered to clients at now.
func open(s *Slot, now time.Time) bool {
	return s.Status == SlotAvailable && !IsPast(s.Date, s.Start, now)
}

// Bucket groups the open slots by time of day. Every bucket is present in the
// result, possibly empty.
func Bucket(slots []*Slot, now time.Time) map[TimeOfDayBucket][]*Slot {
	out := map[TimeOfDayBucket][]*Slot{
		Morning:   {},
		Afternoon: {},
		Evening:   {},
	}
	for _, s := range sorted(slots) {
		if !open(s, now) {
			continue
		}
		b := BucketOf(s.Start)
		out[b] = append(out[b], s)
	}
	return out
}

// GroupByRelativeDay groups the open slots into today, tomorrow and the rest
// of the coming week, using the calendar of now's location. Later slots are
// left out.
func GroupByRelativeDay(slots []*Slot, now time.Time) map[RelativeDay][]*Slot {
	out := map[RelativeDay][]*Slot{
		Today:    {},
		Tomorrow: {},
		ThisWeek: {},
	}
	today := DateOf(now)
	for _, s := range sorted(slots) {
		if !open(s, now) {
			continue
		}
		switch d := today.DaysUntil(s.Date); {
		case d == 0:
			out[Today] = append(out[Today], s)
		case d == 1:
			out[Tomorrow] = append(out[Tomorrow], s)
		case d > 1 && d < weekDays:
			out[ThisWeek] = append(out[ThisWeek], s)
		}
	}
	return out
}

func sorted(slots []*Slot) []*Slot {
	out := make([]*Slot, len(slots))
	copy(out, slots)
	sortSlots(out)
	return out
}

// CategorizedSlots is the grouped view returned to clients.
type CategorizedSlots struct {
	TherapistID string             `json:"therapist_id"`
	Bucketing   Bucketing          `json:"bucketing"`
	From        Date               `json:"from"`
	To          Date               `json:"to"`
	Groups      map[string][]*Slot `json:"groups"`
}

// Categorizer builds grouped views from a fresh slot listing on every call.
type Categorizer struct {
	slots *SlotStore
}

func NewCategorizer(slots *SlotStore) *Categorizer {
	return &Categorizer{slots: slots}
}

// Categorize lists the therapist's slots and groups them. Zero from defaults
// to today; zero to defaults to from for time-of-day bucketing and to the end
// of the coming week for relative-day bucketing.
func (c *Categorizer) Categorize(ctx context.Context, therapistID string, bucketing Bucketing, from, to Date, now time.Time) (*CategorizedSlots, error) {
	switch bucketing {
	case "":
		bucketing = ByTimeOfDay
	case ByTimeOfDay, ByRelativeDay:
	default:
		return nil, fmt.Errorf("%w: bucketing must be %q or %q", ErrInvalidInput, ByTimeOfDay, ByRelativeDay)
	}
	if from.IsZero() {
		from = DateOf(now)
	}
	if to.IsZero() {
		switch bucketing {
		case ByRelativeDay:
			to = DateOf(now).AddDays(weekDays - 1)
		default:
			to = from
		}
	}

	slots, err := c.slots.ListByTherapist(ctx, therapistID, from, to, now)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*Slot)
	if bucketing == ByRelativeDay {
		for k, v := range GroupByRelativeDay(slots, now) {
			groups[string(k)] = v
		}
	} else {
		for k, v := range Bucket(slots, now) {
			groups[string(k)] = v
		}
	}

	return &CategorizedSlots{
		TherapistID: therapistID,
		Bucketing:   bucketing,
		From:        from,
		To:          to,
		Groups:      groups,
	}, nil
}
