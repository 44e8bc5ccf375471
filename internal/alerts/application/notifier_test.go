package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	alerts "redmite-cloud/internal/alerts/domain"
	devices "redmite-cloud/internal/devices/domain"
)

type stubSubscriptions struct {
	recipients []alerts.Subscription
	pruned     [][]int64
}

func (s *stubSubscriptions) ListRecipients(_ context.Context, _ string) ([]alerts.Subscription, error) {
	return s.recipients, nil
}

func (s *stubSubscriptions) DeleteBatch(_ context.Context, ids []int64) error {
	s.pruned = append(s.pruned, ids)
	return nil
}

type stubChannel struct {
	mu     sync.Mutex
	pushed []string
	fail   map[string]bool
}

func (c *stubChannel) Push(_ context.Context, endpoint string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, endpoint)
	if c.fail[endpoint] {
		return errors.New("gone")
	}
	return nil
}

func TestNotifierFansOutToAllRecipients(t *testing.T) {
	subs := &stubSubscriptions{recipients: []alerts.Subscription{
		{ID: 1, Username: "admin", Role: "admin", Endpoint: "ep-admin"},
		{ID: 2, Username: "grower", Customer: "acme", Endpoint: "ep-grower"},
	}}
	channel := &stubChannel{}
	notifier, err := NewNotifier(subs, subs, channel, quietLogger())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	state := completeState("RM010", time.Minute, time.Now())
	state.Customer = "acme"
	notifier.NotifyOverdue(state, time.Now())

	if len(channel.pushed) != 2 {
		t.Fatalf("pushed to %d endpoints, want 2", len(channel.pushed))
	}
	if len(subs.pruned) != 0 {
		t.Fatalf("pruned with no failures: %v", subs.pruned)
	}
}

func TestNotifierPrunesFailedEndpoints(t *testing.T) {
	subs := &stubSubscriptions{recipients: []alerts.Subscription{
		{ID: 1, Username: "admin", Role: "admin", Endpoint: "ep-dead"},
		{ID: 2, Username: "grower", Customer: "acme", Endpoint: "ep-live"},
	}}
	channel := &stubChannel{fail: map[string]bool{"ep-dead": true}}
	notifier, err := NewNotifier(subs, subs, channel, quietLogger())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.NotifyOverdue(completeState("RM011", time.Minute, time.Now()), time.Now())

	if len(subs.pruned) != 1 || len(subs.pruned[0]) != 1 || subs.pruned[0][0] != 1 {
		t.Fatalf("pruned = %v, want the dead subscription only", subs.pruned)
	}
}

func TestNotifierNoRecipientsIsANoop(t *testing.T) {
	subs := &stubSubscriptions{}
	channel := &stubChannel{}
	notifier, err := NewNotifier(subs, subs, channel, quietLogger())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.NotifyOverdue(devices.State{DeviceID: "RM012"}, time.Now())
	if len(channel.pushed) != 0 {
		t.Fatalf("pushed with no recipients")
	}
}
