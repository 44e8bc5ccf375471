package application

import (
	"errors"
	"log"
	"sync"
	"time"

	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/observability/metrics"
)

// DefaultBuffer is the grace period added to the second predicted deadline
// before a trap counts as overdue.
const DefaultBuffer = 10 * time.Minute

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AlertSink receives overdue alerts when a trap misses its deadline.
type AlertSink interface {
	NotifyOverdue(state devices.State, dueAt time.Time)
}

type pendingAlert struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler arms one overdue timer per trap. Every fresh state report
// supersedes the trap's previous timer: only the newest prediction can fire.
type Scheduler struct {
	sink   AlertSink
	clock  Clock
	buffer time.Duration
	logger *log.Logger

	mu      sync.Mutex
	pending map[devices.Key]*pendingAlert
	gens    map[devices.Key]uint64
	closed  bool
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the default clock.
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBuffer overrides the grace period.
func WithBuffer(buffer time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if buffer > 0 {
			s.buffer = buffer
		}
	}
}

// NewScheduler constructs an overdue-alert scheduler.
func NewScheduler(sink AlertSink, logger *log.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if sink == nil {
		return nil, errors.New("alert scheduler: nil sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		sink:    sink,
		clock:   systemClock{},
		buffer:  DefaultBuffer,
		logger:  logger,
		pending: make(map[devices.Key]*pendingAlert),
		gens:    make(map[devices.Key]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleUpdate arms or re-arms the trap's overdue timer from a fresh complete
// state. Registered as a state store observer.
func (s *Scheduler) HandleUpdate(state devices.State) {
	if s == nil || !state.Complete() {
		return
	}
	key := state.Key()
	dueAt := time.UnixMilli(state.AfterNextUpdate).UTC()
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.gens[key]++
	gen := s.gens[key]
	if existing, ok := s.pending[key]; ok {
		existing.timer.Stop()
		delete(s.pending, key)
	}

	// A deadline that blew past the buffer before this report arrived is
	// stale; the trap has since reported, so there is nothing to alert on.
	if !dueAt.After(now.Add(-s.buffer)) {
		return
	}

	fireAt := dueAt
	if fireAt.Before(now) {
		fireAt = now
	}
	delay := fireAt.Add(s.buffer).Sub(now)
	alert := &pendingAlert{gen: gen}
	alert.timer = time.AfterFunc(delay, func() {
		s.fire(key, state, dueAt, gen)
	})
	s.pending[key] = alert
	metrics.IncAlertScheduled()
}

func (s *Scheduler) fire(key devices.Key, state devices.State, dueAt time.Time, gen uint64) {
	s.mu.Lock()
	if s.closed || s.gens[key] != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	s.logger.Printf("alert: trap %s@%s overdue, was due %s", key.DeviceID, key.Server, dueAt.Format(time.RFC3339))
	metrics.IncAlertFired()
	s.sink.NotifyOverdue(state, dueAt)
}

// Close stops every pending timer. Further updates are ignored.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[devices.Key]*pendingAlert)
	s.mu.Unlock()
	for _, alert := range pending {
		alert.timer.Stop()
	}
}
