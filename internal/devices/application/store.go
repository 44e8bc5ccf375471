package application

import (
	"sync"

	devices "redmite-cloud/internal/devices/domain"
)

// Update is a partial state change decoded from one telemetry message.
// Nil fields leave the stored value untouched.
type Update struct {
	Customer   *string
	Location   *string
	House      *string
	InHouseLoc *string
	Contact    *string
	Config     *devices.Config
	Status     *devices.Status
}

// Observer receives every complete state after it has been stored.
type Observer func(state devices.State)

// StateStore is the single authoritative in-memory table of trap states,
// keyed by (device, server). All mutation goes through Set, which serializes
// merge, schedule computation and observer dispatch under one lock: telemetry
// from multiple broker connections funnels here.
//
// Entries are never deleted; a trap's record is superseded in place for the
// process lifetime.
type StateStore struct {
	// setMu serializes whole Set calls, observer dispatch included. The
	// inner mu guards only the map, so Get stays available while an
	// observer callback runs.
	setMu     sync.Mutex
	mu        sync.Mutex
	states    map[devices.Key]devices.State
	observers []Observer
}

// NewStateStore constructs an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[devices.Key]devices.State)}
}

// Get returns the state for a key, if any.
func (s *StateStore) Get(key devices.Key) (devices.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	return state, ok
}

// Set shallow-merges the update into the record for key. When the merged
// record has both a status and a config, the reporting schedule is recomputed
// and every registered observer is invoked, in registration order, with the
// stored value. The store is updated before observers run, so a concurrent
// Get during a callback sees the new record.
func (s *StateStore) Set(key devices.Key, update Update) devices.State {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	s.mu.Lock()
	state, ok := s.states[key]
	if !ok {
		state = devices.State{DeviceID: key.DeviceID, Server: key.Server}
	}
	applyUpdate(&state, update)
	if state.Complete() {
		schedule := devices.ComputeSchedule(*state.Status, *state.Config)
		state.NextUpdate = schedule.NextUpdate.UnixMilli()
		state.AfterNextUpdate = schedule.AfterNextUpdate.UnixMilli()
		state.CurrentCycle = schedule.CurrentCycle
		state.TotalCycles = schedule.TotalCycles
	}
	s.states[key] = state
	observers := s.observers
	s.mu.Unlock()

	if state.Complete() {
		for _, observer := range observers {
			observer(state)
		}
	}
	return state
}

// OnUpdate registers an observer for complete states. Not safe to call
// concurrently with Set; register everything during wiring.
func (s *StateStore) OnUpdate(observer Observer) {
	if observer == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, observer)
	s.mu.Unlock()
}

// GetAll returns every record that has both a status and a config.
func (s *StateStore) GetAll() []devices.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	complete := make([]devices.State, 0, len(s.states))
	for _, state := range s.states {
		if state.Complete() {
			complete = append(complete, state)
		}
	}
	return complete
}

func applyUpdate(state *devices.State, update Update) {
	if update.Customer != nil {
		state.Customer = *update.Customer
	}
	if update.Location != nil {
		state.Location = *update.Location
	}
	if update.House != nil {
		state.House = *update.House
	}
	if update.InHouseLoc != nil {
		state.InHouseLoc = *update.InHouseLoc
	}
	if update.Contact != nil {
		state.Contact = *update.Contact
	}
	if update.Config != nil {
		cfg := *update.Config
		state.Config = &cfg
	}
	if update.Status != nil {
		status := *update.Status
		state.Status = &status
	}
}
