package application

import (
	"context"
	"errors"
	"log"

	"redmite-cloud/internal/auth"
	devices "redmite-cloud/internal/devices/domain"
)

// HistoryReader loads persisted mode intervals for one trap, oldest first.
type HistoryReader interface {
	QueryHistory(ctx context.Context, deviceID, server string) ([]devices.HistoryRecord, error)
}

// Service answers read requests from the presentation layer, applying the
// admin-or-customer visibility rule before exposing any trap data.
type Service struct {
	store   *StateStore
	history HistoryReader
	logger  *log.Logger
}

// NewService constructs the device read service.
func NewService(store *StateStore, history HistoryReader, logger *log.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("device service: nil store")
	}
	if history == nil {
		return nil, errors.New("device service: nil history reader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, history: history, logger: logger}, nil
}

// CurrentState returns the live state for one trap.
func (s *Service) CurrentState(ctx context.Context, identity auth.Identity, deviceID, server string) (devices.State, error) {
	_ = ctx
	state, ok := s.store.Get(devices.Key{DeviceID: deviceID, Server: server})
	if !ok || !state.Complete() {
		return devices.State{}, devices.ErrNotFound
	}
	if !identity.CanViewDevice(state.Customer) {
		return devices.State{}, auth.ErrUnauthorized
	}
	return state, nil
}

// Operations reconstructs the trap's cycle-by-cycle interval history.
func (s *Service) Operations(ctx context.Context, identity auth.Identity, deviceID, server string) ([]devices.OperationCycle, error) {
	state, err := s.CurrentState(ctx, identity, deviceID, server)
	if err != nil {
		return nil, err
	}
	history, err := s.history.QueryHistory(ctx, deviceID, server)
	if err != nil {
		return nil, err
	}
	return devices.Reconstruct(history, *state.Config), nil
}

// VisibleStates returns every complete state the caller may see.
func (s *Service) VisibleStates(identity auth.Identity) []devices.State {
	visible := make([]devices.State, 0)
	for _, state := range s.store.GetAll() {
		if identity.CanViewDevice(state.Customer) {
			visible = append(visible, state)
		}
	}
	return visible
}
