package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	alerts "redmite-cloud/internal/alerts/domain"
	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/observability/metrics"
)

// SubscriptionReader loads push subscriptions eligible for a trap's alerts:
// every admin plus the subscribers of the trap's customer.
type SubscriptionReader interface {
	ListRecipients(ctx context.Context, customer string) ([]alerts.Subscription, error)
}

// SubscriptionPruner removes dead subscriptions.
type SubscriptionPruner interface {
	DeleteBatch(ctx context.Context, ids []int64) error
}

// Channel delivers one serialized alert to a push endpoint.
type Channel interface {
	Push(ctx context.Context, endpoint string, payload []byte) error
}

// Notifier fans an overdue alert out to every eligible subscription. Each
// delivery is isolated; endpoints that reject the push are pruned in one
// batch afterwards.
type Notifier struct {
	subscriptions  SubscriptionReader
	pruner         SubscriptionPruner
	channel        Channel
	clock          Clock
	logger         *log.Logger
	requestTimeout time.Duration
}

// NotifierOption configures the notifier.
type NotifierOption func(*Notifier)

// WithNotifierClock overrides the default clock.
func WithNotifierClock(clock Clock) NotifierOption {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds each push delivery.
func WithRequestTimeout(timeout time.Duration) NotifierOption {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// NewNotifier constructs an overdue-alert notifier.
func NewNotifier(subscriptions SubscriptionReader, pruner SubscriptionPruner, channel Channel, logger *log.Logger, opts ...NotifierOption) (*Notifier, error) {
	if subscriptions == nil {
		return nil, errors.New("alert notifier: nil subscription reader")
	}
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		subscriptions:  subscriptions,
		pruner:         pruner,
		channel:        channel,
		clock:          systemClock{},
		logger:         logger,
		requestTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// NotifyOverdue implements AlertSink.
func (n *Notifier) NotifyOverdue(state devices.State, dueAt time.Time) {
	if n == nil {
		return
	}
	ctx := context.Background()
	recipients, err := n.subscriptions.ListRecipients(ctx, state.Customer)
	if err != nil {
		n.logger.Printf("alert: list subscriptions for %s: %v", state.Customer, err)
		return
	}
	if len(recipients) == 0 {
		return
	}

	mode := ""
	if state.Status != nil {
		mode = string(state.Status.Mode)
	}
	payload, err := json.Marshal(alerts.OverdueAlert{
		DeviceID:   state.DeviceID,
		Server:     state.Server,
		Customer:   state.Customer,
		Location:   state.Location,
		House:      state.House,
		InHouseLoc: state.InHouseLoc,
		Mode:       mode,
		DueAt:      dueAt,
		DetectedAt: n.clock.Now().UTC(),
	})
	if err != nil {
		n.logger.Printf("alert: marshal payload: %v", err)
		return
	}

	var mu sync.Mutex
	var failed []int64
	var wg sync.WaitGroup
	for _, subscription := range recipients {
		wg.Add(1)
		go func(sub alerts.Subscription) {
			defer wg.Done()
			pushCtx, cancel := context.WithTimeout(ctx, n.requestTimeout)
			defer cancel()
			if err := n.channel.Push(pushCtx, sub.Endpoint, payload); err != nil {
				n.logger.Printf("alert: push to %s: %v", sub.Username, err)
				metrics.IncPushResult(metrics.ResultError)
				mu.Lock()
				failed = append(failed, sub.ID)
				mu.Unlock()
				return
			}
			metrics.IncPushResult(metrics.ResultSuccess)
		}(subscription)
	}
	wg.Wait()

	if len(failed) > 0 && n.pruner != nil {
		if err := n.pruner.DeleteBatch(ctx, failed); err != nil {
			n.logger.Printf("alert: prune %d subscriptions: %v", len(failed), err)
		}
	}
}
