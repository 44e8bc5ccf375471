package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel posts alert payloads to subscriber endpoints.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel constructs a channel.
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Push sends the payload to one endpoint. A non-2xx response counts as a
// failed delivery so the caller can prune the subscription.
func (c *WebhookChannel) Push(ctx context.Context, endpoint string, payload []byte) error {
	if c == nil || c.client == nil {
		return errors.New("webhook channel: nil client")
	}
	if endpoint == "" {
		return errors.New("webhook channel: empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: status %d", resp.StatusCode)
	}
	return nil
}
