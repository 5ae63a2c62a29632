package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockAll locks every key in lockOrder and returns a function releasing them
// in reverse.
func (k *keyedMutex) lockAll(keys []string) func() {
	ordered := lockOrder(keys)
	unlocks := make([]func(), 0, len(ordered))
	for _, key := range ordered {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// MemoryRepository keeps slots and appointments in process memory. Writers
// are serialized per therapist; the data maps themselves are only locked for
// the short copy-in and copy-out steps so readers never wait on a booking.
type MemoryRepository struct {
	therapists *keyedMutex

	mu           sync.RWMutex
	slots        map[uuid.UUID]*Slot
	appointments map[uuid.UUID]*Appointment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		therapists:   newKeyedMutex(),
		slots:        make(map[uuid.UUID]*Slot),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *MemoryRepository) InTx(ctx context.Context, therapistIDs []string, fn func(tx Tx) error) error {
	unlock := r.therapists.lockAll(therapistIDs)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		repo:         r,
		slots:        make(map[uuid.UUID]*Slot),
		deleted:      make(map[uuid.UUID]bool),
		appointments: make(map[uuid.UUID]*Appointment),
	}
	if err := fn(tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepository) commit(tx *memTx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range tx.deleted {
		delete(r.slots, id)
	}
	for id, s := range tx.slots {
		r.slots[id] = s
	}
	for id, a := range tx.appointments {
		r.appointments[id] = a
	}
}

func (r *MemoryRepository) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, id)
	}
	return s.clone(), nil
}

func (r *MemoryRepository) ListSlots(_ context.Context, f SlotFilter) ([]*Slot, int, error) {
	r.mu.RLock()
	var out []*Slot
	for _, s := range r.slots {
		if f.match(s) {
			out = append(out, s.clone())
		}
	}
	r.mu.RUnlock()

	sortSlots(out)
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	r.mu.RLock()
	var out []*Appointment
	for _, a := range r.appointments {
		if f.match(a) {
			out = append(out, a.clone())
		}
	}
	r.mu.RUnlock()

	sortAppointments(out)
	return page(out, f.Limit, f.Offset), len(out), nil
}

// memTx stages writes over the committed maps. Reads see the staged state
// first, then the committed state.
type memTx struct {
	repo         *MemoryRepository
	slots        map[uuid.UUID]*Slot
	deleted      map[uuid.UUID]bool
	appointments map[uuid.UUID]*Appointment
}

func (t *memTx) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if t.deleted[id] {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, id)
	}
	if s, ok := t.slots[id]; ok {
		return s.clone(), nil
	}
	return t.repo.GetSlot(ctx, id)
}

func (t *memTx) SlotsOn(_ context.Context, therapistID string, date Date) ([]*Slot, error) {
	f := SlotFilter{TherapistID: therapistID, From: date, To: date}
	byID := make(map[uuid.UUID]*Slot)

	t.repo.mu.RLock()
	for id, s := range t.repo.slots {
		if f.match(s) {
			byID[id] = s.clone()
		}
	}
	t.repo.mu.RUnlock()

	for id, s := range t.slots {
		if f.match(s) {
			byID[id] = s.clone()
		}
	}
	for id := range t.deleted {
		delete(byID, id)
	}

	out := make([]*Slot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortSlots(out)
	return out, nil
}

func (t *memTx) InsertSlot(_ context.Context, s *Slot) error {
	delete(t.deleted, s.ID)
	t.slots[s.ID] = s.clone()
	return nil
}

func (t *memTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	s, err := t.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != SlotAvailable {
		return fmt.Errorf("%w: %s is %s", ErrNotAvailable, id, s.Status)
	}
	delete(t.slots, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) SetSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus, at time.Time) error {
	s, err := t.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != from {
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, s.Status)
	}
	s.Status = to
	s.UpdatedAt = at
	t.slots[id] = s
	return nil
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if a, ok := t.appointments[id]; ok {
		return a.clone(), nil
	}
	return t.repo.GetAppointment(ctx, id)
}

func (t *memTx) LiveAppointments(_ context.Context, therapistID, subjectID string, date Date) ([]*Appointment, error) {
	f := AppointmentFilter{TherapistID: therapistID, SubjectID: subjectID, From: date, To: date}
	byID := make(map[uuid.UUID]*Appointment)

	t.repo.mu.RLock()
	for id, a := range t.repo.appointments {
		if f.match(a) {
			byID[id] = a.clone()
		}
	}
	t.repo.mu.RUnlock()

	for id, a := range t.appointments {
		if f.match(a) {
			byID[id] = a.clone()
		} else {
			delete(byID, id)
		}
	}

	var out []*Appointment
	for _, a := range byID {
		if a.Live() {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	t.appointments[a.ID] = a.clone()
	return nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if _, err := t.GetAppointment(ctx, a.ID); err != nil {
		return err
	}
	t.appointments[a.ID] = a.clone()
	return nil
}
