package apihttp

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	devices "redmite-cloud/internal/devices/domain"
)

// Broker fans complete state updates out to connected stream clients. Slow
// clients drop updates rather than stalling the store's observer dispatch.
type Broker struct {
	mu          sync.Mutex
	subscribers map[chan devices.State]struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[chan devices.State]struct{})}
}

// Broadcast delivers a state to every subscriber without blocking. Registered
// as a state store observer.
func (b *Broker) Broadcast(state devices.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subscriber := range b.subscribers {
		select {
		case subscriber <- state:
		default:
		}
	}
}

// Subscribe registers a stream client. The returned cancel function must be
// called when the client disconnects.
func (b *Broker) Subscribe() (<-chan devices.State, func()) {
	subscriber := make(chan devices.State, 16)
	b.mu.Lock()
	b.subscribers[subscriber] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, subscriber)
		b.mu.Unlock()
	}
	return subscriber, cancel
}

// StreamHandler serves live state updates over server-sent events, filtered
// by the caller's visibility.
type StreamHandler struct {
	broker  *Broker
	service DeviceService
	logger  *log.Logger
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(broker *Broker, service DeviceService, logger *log.Logger) *StreamHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &StreamHandler{broker: broker, service: service, logger: logger}
}

// ServeHTTP handles GET /api/v1/devices/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Replay the visible snapshot so a fresh client starts complete.
	for _, state := range h.service.VisibleStates(identity) {
		writeEvent(w, state)
	}
	flusher.Flush()

	updates, cancel := h.broker.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case state := <-updates:
			if !identity.CanViewDevice(state.Customer) {
				continue
			}
			writeEvent(w, state)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, state devices.State) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
