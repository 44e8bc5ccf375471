package apihttp

import (
	"context"
	"encoding/json"
	"net/http"

	alerts "redmite-cloud/internal/alerts/domain"
)

// SubscriptionWriter stores push subscriptions.
type SubscriptionWriter interface {
	Save(ctx context.Context, subscription alerts.Subscription) error
}

// SubscribeHandler registers the caller's push endpoint for overdue alerts.
type SubscribeHandler struct {
	subscriptions SubscriptionWriter
}

// NewSubscribeHandler constructs a SubscribeHandler.
func NewSubscribeHandler(subscriptions SubscriptionWriter) *SubscribeHandler {
	return &SubscribeHandler{subscriptions: subscriptions}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// ServeHTTP handles POST /api/v1/alerts/subscribe.
func (h *SubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.subscriptions == nil {
		http.Error(w, "subscriptions unavailable", http.StatusServiceUnavailable)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var request subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Endpoint == "" {
		http.Error(w, "endpoint is required", http.StatusBadRequest)
		return
	}
	err := h.subscriptions.Save(r.Context(), alerts.Subscription{
		Username: identity.Username,
		Customer: identity.Customer,
		Role:     string(identity.Role),
		Endpoint: request.Endpoint,
	})
	if err != nil {
		http.Error(w, "save subscription error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
