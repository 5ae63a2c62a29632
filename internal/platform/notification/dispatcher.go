package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/domain/scheduling"
)

const defaultDeliverTimeout = 15 * time.Second

// Sink delivers one event to an outside system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt scheduling.Event) error
}

// Recorder receives delivery statistics. *telemetry.Metrics satisfies it.
type Recorder interface {
	NotificationSent(sink string, err error)
	NotificationDropped()
}

type nopRecorder struct{}

func (nopRecorder) NotificationSent(string, error) {}
func (nopRecorder) NotificationDropped()           {}

// Dispatcher is a scheduling.Notifier backed by a bounded queue and a single
// worker. Notify never blocks: when the queue is full the event is dropped
// and logged.
type Dispatcher struct {
	queue          chan scheduling.Event
	sinks          []Sink
	logger         zerolog.Logger
	recorder       Recorder
	deliverTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(size int, logger zerolog.Logger, recorder Recorder, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		queue:          make(chan scheduling.Event, size),
		sinks:          sinks,
		logger:         logger.With().Str("component", "notification").Logger(),
		recorder:       recorder,
		deliverTimeout: defaultDeliverTimeout,
		done:           make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt scheduling.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.deliverTimeout)
		err := s.Deliver(ctx, evt)
		cancel()
		d.recorder.NotificationSent(s.Name(), err)
		if err != nil {
			d.logger.Warn().Err(err).Str("sink", s.Name()).Str("event", string(evt.Type)).Msg("notification delivery failed")
		}
	}
}

// Notify queues evt for delivery. The request context is not carried over;
// delivery outlives the request.
func (d *Dispatcher) Notify(_ context.Context, evt scheduling.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.recorder.NotificationDropped()
		d.logger.Warn().Str("event", string(evt.Type)).Msg("dispatcher closed, event dropped")
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.recorder.NotificationDropped()
		d.logger.Warn().Str("event", string(evt.Type)).Int("capacity", cap(d.queue)).Msg("notification queue full, event dropped")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
