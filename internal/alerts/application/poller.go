package application

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	devices "redmite-cloud/internal/devices/domain"
)

// StateLister exposes the current complete states for scanning.
type StateLister interface {
	GetAll() []devices.State
}

// Poller periodically sweeps the state table for traps whose deadline plus
// buffer has passed without a report. The timer-based scheduler covers the
// common path; the sweep catches traps whose timers were lost to a restart.
type Poller struct {
	states   StateLister
	sink     AlertSink
	clock    Clock
	buffer   time.Duration
	interval time.Duration
	logger   *log.Logger

	running atomic.Bool
	flagged map[devices.Key]int64
}

// NewPoller constructs the sweep poller.
func NewPoller(states StateLister, sink AlertSink, interval, buffer time.Duration, logger *log.Logger) (*Poller, error) {
	if states == nil {
		return nil, errors.New("alert poller: nil state lister")
	}
	if sink == nil {
		return nil, errors.New("alert poller: nil sink")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		states:   states,
		sink:     sink,
		clock:    systemClock{},
		buffer:   buffer,
		interval: interval,
		logger:   logger,
		flagged:  make(map[devices.Key]int64),
	}, nil
}

// Run sweeps until the context is cancelled. Blocks; run in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep flags every overdue trap once per deadline. Overlapping sweeps are
// collapsed to one.
func (p *Poller) Sweep() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	now := p.clock.Now().UTC()
	for _, state := range p.states.GetAll() {
		dueAt := time.UnixMilli(state.AfterNextUpdate).UTC()
		if !now.After(dueAt.Add(p.buffer)) {
			continue
		}
		key := state.Key()
		if p.flagged[key] == state.AfterNextUpdate {
			continue
		}
		p.flagged[key] = state.AfterNextUpdate
		p.logger.Printf("alert sweep: trap %s@%s overdue, was due %s", key.DeviceID, key.Server, dueAt.Format(time.RFC3339))
		p.sink.NotifyOverdue(state, dueAt)
	}
}
