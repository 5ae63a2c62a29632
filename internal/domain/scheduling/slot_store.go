package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SlotStore is the only writer of slot records. Status changes outside of
// create and remove happen through markBooked and markAvailable, which the
// BookingCoordinator calls inside its own transaction.
type SlotStore struct {
	repo    Repository
	presets *PresetGenerator
	hooks   hooks
	newID   func() uuid.UUID
}

func NewSlotStore(repo Repository, presets *PresetGenerator) *SlotStore {
	if presets == nil {
		presets = NewPresetGenerator(nil, 0, 0)
	}
	return &SlotStore{
		repo:    repo,
		presets: presets,
		hooks:   defaultHooks(),
		newID:   uuid.New,
	}
}

// SkippedCandidate is a preset block that CreateBatch did not create.
type SkippedCandidate struct {
	Candidate
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

// Create publishes a custom or preset slot for a therapist.
func (s *SlotStore) Create(ctx context.Context, therapistID string, date Date, start, end TimeOfDay, now time.Time) (*Slot, error) {
	started := time.Now()
	var created *Slot
	err := s.create(ctx, therapistID, date, start, end, now, &created)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventSlotCreated, At: now, Slots: []*Slot{created}}
	}
	s.hooks.finish(ctx, "create_slot", started, err, evt)
	return created, err
}

// slotTarget normalizes the therapist and day every slot admission runs
// against.
func slotTarget(therapistID string, date Date) (string, error) {
	therapistID = strings.TrimSpace(therapistID)
	if therapistID == "" {
		return "", fmt.Errorf("%w: therapist_id is required", ErrInvalidInput)
	}
	if date.IsZero() {
		return "", fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	return therapistID, nil
}

func (s *SlotStore) create(ctx context.Context, therapistID string, date Date, start, end TimeOfDay, now time.Time, out **Slot) error {
	therapistID, err := slotTarget(therapistID, date)
	if err != nil {
		return err
	}
	if err := s.presets.ValidateCustom(start, end); err != nil {
		return err
	}

	return s.repo.InTx(ctx, []string{therapistID}, func(tx Tx) error {
		existing, err := tx.SlotsOn(ctx, therapistID, date)
		if err != nil {
			return fmt.Errorf("load slots: %w", err)
		}
		if err := admitSlot(existing, date, start, end, now); err != nil {
			return err
		}
		slot := &Slot{
			ID:          s.newID(),
			TherapistID: therapistID,
			Date:        date,
			Start:       start,
			End:         end,
			Status:      SlotAvailable,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		*out = slot
		return nil
	})
}

// CreateBatch creates every candidate that is admissible on date in one
// transaction. Candidates that are past or overlap an existing slot are
// reported as skipped instead of failing the batch.
func (s *SlotStore) CreateBatch(ctx context.Context, therapistID string, date Date, candidates []Candidate, now time.Time) ([]*Slot, []SkippedCandidate, error) {
	started := time.Now()
	var (
		created []*Slot
		skipped []SkippedCandidate
	)
	err := func() error {
		var err error
		if therapistID, err = slotTarget(therapistID, date); err != nil {
			return err
		}
		return s.repo.InTx(ctx, []string{therapistID}, func(tx Tx) error {
			existing, err := tx.SlotsOn(ctx, therapistID, date)
			if err != nil {
				return fmt.Errorf("load slots: %w", err)
			}
			for _, c := range candidates {
				if err := admitSlot(existing, date, c.Start, c.End, now); err != nil {
					skipped = append(skipped, SkippedCandidate{Candidate: c, Kind: KindOf(err), Reason: err.Error()})
					continue
				}
				slot := &Slot{
					ID:          s.newID(),
					TherapistID: therapistID,
					Date:        date,
					Start:       c.Start,
					End:         c.End,
					Status:      SlotAvailable,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := tx.InsertSlot(ctx, slot); err != nil {
					return err
				}
				existing = append(existing, slot)
				created = append(created, slot)
			}
			return nil
		})
	}()
	if err != nil {
		created, skipped = nil, nil
	}

	var evt *Event
	if err == nil && len(created) > 0 {
		evt = &Event{Type: EventSlotCreated, At: now, Slots: created}
	}
	s.hooks.finish(ctx, "create_slot_batch", started, err, evt)
	return created, skipped, err
}

// Remove deletes an available slot. Booked slots are refused with
// ErrNotAvailable; unknown ids with ErrSlotNotFound.
func (s *SlotStore) Remove(ctx context.Context, id uuid.UUID, now time.Time) (*Slot, error) {
	started := time.Now()
	removed, err := s.remove(ctx, id)

	var evt *Event
	if err == nil {
		evt = &Event{Type: EventSlotRemoved, At: now, Slots: []*Slot{removed}}
	}
	s.hooks.finish(ctx, "remove_slot", started, err, evt)
	return removed, err
}

func (s *SlotStore) remove(ctx context.Context, id uuid.UUID) (*Slot, error) {
	snapshot, err := s.repo.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	var removed *Slot
	err = s.repo.InTx(ctx, []string{snapshot.TherapistID}, func(tx Tx) error {
		cur, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteSlot(ctx, id); err != nil {
			return err
		}
		removed = cur
		return nil
	})
	return removed, err
}

// Get returns the slot with its status as observed at now.
func (s *SlotStore) Get(ctx context.Context, id uuid.UUID, now time.Time) (*Slot, error) {
	slot, err := s.repo.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	return slot.observe(now), nil
}

// ListByTherapist returns the therapist's slots between from and to
// inclusive, ordered by date and start.
func (s *SlotStore) ListByTherapist(ctx context.Context, therapistID string, from, to Date, now time.Time) ([]*Slot, error) {
	slots, _, err := s.List(ctx, SlotFilter{TherapistID: therapistID, From: from, To: to}, now)
	return slots, err
}

// List pages through a therapist's slots. Available slots whose start is at
// or before now are reported as expired.
func (s *SlotStore) List(ctx context.Context, f SlotFilter, now time.Time) ([]*Slot, int, error) {
	f.TherapistID = strings.TrimSpace(f.TherapistID)
	if f.TherapistID == "" {
		return nil, 0, fmt.Errorf("%w: therapist_id is required", ErrInvalidInput)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return nil, 0, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, f.From, f.To)
	}
	f.AsOf = now
	slots, total, err := s.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	for _, slot := range slots {
		slot.observe(now)
	}
	return slots, total, nil
}

// check is the snapshot form of the create admission rules.
func (s *SlotStore) check(ctx context.Context, therapistID string, date Date, start, end TimeOfDay, now time.Time) error {
	therapistID, err := slotTarget(therapistID, date)
	if err != nil {
		return err
	}
	if err := s.presets.ValidateCustom(start, end); err != nil {
		return err
	}
	existing, err := s.ListByTherapist(ctx, therapistID, date, date, now)
	if err != nil {
		return err
	}
	return admitSlot(existing, date, start, end, now)
}

func (s *SlotStore) markBooked(ctx context.Context, tx Tx, id uuid.UUID, at time.Time) error {
	return tx.SetSlotStatus(ctx, id, SlotAvailable, SlotBooked, at)
}

func (s *SlotStore) markAvailable(ctx context.Context, tx Tx, id uuid.UUID, at time.Time) error {
	if err := tx.SetSlotStatus(ctx, id, SlotBooked, SlotAvailable, at); err != nil {
		return fmt.Errorf("release slot %s: %w", id, err)
	}
	return nil
}
