package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service bundles the scheduling components over one repository so that
// every caller goes through the same admission rules.
type Service struct {
	Slots       *SlotStore
	Detector    *ConflictDetector
	Bookings    *BookingCoordinator
	Categorizer *Categorizer
	Presets     *PresetGenerator
}

type options struct {
	hooks   hooks
	presets *PresetGenerator
	newID   func() uuid.UUID
}

type Option func(*options)

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.hooks.notifier = n }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.hooks.observer = obs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.hooks.logger = l }
}

func WithPresets(g *PresetGenerator) Option {
	return func(o *options) { o.presets = g }
}

// WithIDGenerator replaces uuid.New, mostly for tests.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(o *options) { o.newID = fn }
}

func NewService(repo Repository, opts ...Option) *Service {
	o := options{hooks: defaultHooks(), newID: uuid.New}
	for _, opt := range opts {
		opt(&o)
	}
	if o.presets == nil {
		o.presets = NewPresetGenerator(nil, 0, 0)
	}

	slots := NewSlotStore(repo, o.presets)
	slots.hooks = o.hooks
	slots.newID = o.newID

	bookings := NewBookingCoordinator(repo, slots)
	bookings.hooks = o.hooks
	bookings.newID = o.newID

	return &Service{
		Slots:       slots,
		Detector:    NewConflictDetector(repo, slots),
		Bookings:    bookings,
		Categorizer: NewCategorizer(slots),
		Presets:     o.presets,
	}
}

// PresetOption is a grid block annotated with whether it could be created now.
type PresetOption struct {
	Candidate
	Available bool   `json:"available"`
	Kind      Kind   `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PresetOptions evaluates the preset grid against the therapist's current
// slots on date.
func (s *Service) PresetOptions(ctx context.Context, therapistID string, date Date, now time.Time) ([]PresetOption, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	existing, err := s.Slots.ListByTherapist(ctx, therapistID, date, date, now)
	if err != nil {
		return nil, err
	}
	candidates := s.Presets.Candidates()
	out := make([]PresetOption, 0, len(candidates))
	for _, c := range candidates {
		opt := PresetOption{Candidate: c, Available: true}
		if err := admitSlot(existing, date, c.Start, c.End, now); err != nil {
			opt.Available = false
			opt.Kind = KindOf(err)
			opt.Reason = err.Error()
		}
		out = append(out, opt)
	}
	return out, nil
}

// FillPresets creates every admissible preset block on date.
func (s *Service) FillPresets(ctx context.Context, therapistID string, date Date, now time.Time) ([]*Slot, []SkippedCandidate, error) {
	return s.Slots.CreateBatch(ctx, therapistID, date, s.Presets.Candidates(), now)
}
