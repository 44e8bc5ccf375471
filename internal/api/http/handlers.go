package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"time"

	"redmite-cloud/internal/auth"
	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/devices/infrastructure/clickhouse"
	"redmite-cloud/internal/devices/interfaces"
	"redmite-cloud/internal/observability/metrics"
	telemetry "redmite-cloud/internal/telemetry/mqtt"
)

const timeLayout = time.RFC3339

// DeviceService is the read side consumed by the handlers.
type DeviceService interface {
	CurrentState(ctx context.Context, identity auth.Identity, deviceID, server string) (devices.State, error)
	Operations(ctx context.Context, identity auth.Identity, deviceID, server string) ([]devices.OperationCycle, error)
	VisibleStates(identity auth.Identity) []devices.State
}

// DetectionReader queries the detection event series.
type DetectionReader interface {
	Query(ctx context.Context, deviceID, server string, from, to time.Time) ([]clickhouse.Detection, error)
}

// Downlink publishes retained config and OTA messages to one broker.
type Downlink interface {
	Server() string
	PushConfig(push telemetry.ConfigPush) error
	PushOTA(push telemetry.OTAPush) error
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, devices.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func identityOr401(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return identity, true
}

func deviceParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	deviceID := r.URL.Query().Get("id")
	server := r.URL.Query().Get("server")
	if deviceID == "" || server == "" {
		http.Error(w, "id and server are required", http.StatusBadRequest)
		return "", "", false
	}
	return deviceID, server, true
}

// DevicesHandler serves the visible trap list.
type DevicesHandler struct {
	service DeviceService
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(service DeviceService) *DevicesHandler {
	return &DevicesHandler{service: service}
}

// ServeHTTP handles GET /api/v1/devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	states := h.service.VisibleStates(identity)
	sort.Slice(states, func(i, j int) bool {
		if states[i].DeviceID != states[j].DeviceID {
			return states[i].DeviceID < states[j].DeviceID
		}
		return states[i].Server < states[j].Server
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(states)
}

// StateHandler serves one trap's live state.
type StateHandler struct {
	service DeviceService
}

// NewStateHandler constructs a StateHandler.
func NewStateHandler(service DeviceService) *StateHandler {
	return &StateHandler{service: service}
}

// ServeHTTP handles GET /api/v1/devices/state.
func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	deviceID, server, ok := deviceParams(w, r)
	if !ok {
		return
	}
	state, err := h.service.CurrentState(r.Context(), identity, deviceID, server)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

// OperationsHandler serves the reconstructed cycle history.
type OperationsHandler struct {
	service DeviceService
}

// NewOperationsHandler constructs an OperationsHandler.
func NewOperationsHandler(service DeviceService) *OperationsHandler {
	return &OperationsHandler{service: service}
}

// ServeHTTP handles GET /api/v1/devices/operations.
func (h *OperationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	deviceID, server, ok := deviceParams(w, r)
	if !ok {
		return
	}
	started := time.Now()
	cycles, err := h.service.Operations(r.Context(), identity, deviceID, server)
	metrics.ObserveHistoryQuery(time.Since(started))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cycles)
}

// OperationsExportHandler serves the cycle history as a downloadable file.
type OperationsExportHandler struct {
	service DeviceService
	format  string
}

// NewOperationsExportHandler constructs an export handler for "xlsx" or "pdf".
func NewOperationsExportHandler(service DeviceService, format string) (*OperationsExportHandler, error) {
	if format != "xlsx" && format != "pdf" {
		return nil, errors.New("export handler: format must be xlsx or pdf")
	}
	return &OperationsExportHandler{service: service, format: format}, nil
}

// ServeHTTP handles GET /api/v1/devices/operations/export.{xlsx,pdf}.
func (h *OperationsExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	deviceID, server, ok := deviceParams(w, r)
	if !ok {
		return
	}
	started := time.Now()
	state, err := h.service.CurrentState(r.Context(), identity, deviceID, server)
	if err != nil {
		metrics.ObserveExport(h.format, metrics.ResultError, time.Since(started))
		writeError(w, err)
		return
	}
	cycles, err := h.service.Operations(r.Context(), identity, deviceID, server)
	if err != nil {
		metrics.ObserveExport(h.format, metrics.ResultError, time.Since(started))
		writeError(w, err)
		return
	}

	var document []byte
	var contentType string
	switch h.format {
	case "xlsx":
		document, err = interfaces.BuildOperationsXLSX(state, cycles)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		document, err = interfaces.BuildOperationsPDF(state, cycles)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveExport(h.format, metrics.ResultError, time.Since(started))
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(h.format, metrics.ResultSuccess, time.Since(started))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=operations-"+deviceID+"."+h.format)
	_, _ = w.Write(document)
}

// DetectionsHandler serves the trap's detection events.
type DetectionsHandler struct {
	service    DeviceService
	detections DetectionReader
}

// NewDetectionsHandler constructs a DetectionsHandler.
func NewDetectionsHandler(service DeviceService, detections DetectionReader) *DetectionsHandler {
	return &DetectionsHandler{service: service, detections: detections}
}

// ServeHTTP handles GET /api/v1/devices/detections. The time range is
// optional and defaults to the last 30 days.
func (h *DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.detections == nil {
		http.Error(w, "detections store unavailable", http.StatusServiceUnavailable)
		return
	}
	identity, ok := identityOr401(w, r)
	if !ok {
		return
	}
	deviceID, server, ok := deviceParams(w, r)
	if !ok {
		return
	}
	// Visibility is enforced by resolving the state first.
	if _, err := h.service.CurrentState(r.Context(), identity, deviceID, server); err != nil {
		writeError(w, err)
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if value := r.URL.Query().Get("from"); value != "" {
		if from, err = time.Parse(timeLayout, value); err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	if value := r.URL.Query().Get("to"); value != "" {
		if to, err = time.Parse(timeLayout, value); err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	result, err := h.detections.Query(r.Context(), deviceID, server, from.UTC(), to.UTC())
	if err != nil {
		http.Error(w, "query detections error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"detections": result})
}

// ConfigPushHandler accepts configuration updates and publishes them down to
// the trap. Restricted to admins by the auth policy.
type ConfigPushHandler struct {
	downlinks map[string]Downlink
	logger    *log.Logger
}

// NewConfigPushHandler constructs a ConfigPushHandler over the connected
// brokers.
func NewConfigPushHandler(downlinks []Downlink, logger *log.Logger) *ConfigPushHandler {
	byServer := make(map[string]Downlink, len(downlinks))
	for _, downlink := range downlinks {
		if downlink != nil {
			byServer[downlink.Server()] = downlink
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ConfigPushHandler{downlinks: byServer, logger: logger}
}

type configPushRequest struct {
	Server string `json:"server"`
	telemetry.ConfigPush
}

// ServeHTTP handles POST /api/v1/devices/config.
func (h *ConfigPushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := identityOr401(w, r); !ok {
		return
	}
	var request configPushRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if request.DeviceID == "" || request.Server == "" {
		http.Error(w, "id and server are required", http.StatusBadRequest)
		return
	}
	downlink, ok := h.downlinks[request.Server]
	if !ok {
		http.Error(w, "unknown server", http.StatusBadRequest)
		return
	}
	if err := downlink.PushConfig(request.ConfigPush); err != nil {
		h.logger.Printf("api: config push to %s@%s: %v", request.DeviceID, request.Server, err)
		http.Error(w, "config push failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// OTAPushHandler announces firmware pointers. Restricted to admins by the
// auth policy.
type OTAPushHandler struct {
	downlinks map[string]Downlink
	logger    *log.Logger
}

// NewOTAPushHandler constructs an OTAPushHandler over the connected brokers.
func NewOTAPushHandler(downlinks []Downlink, logger *log.Logger) *OTAPushHandler {
	byServer := make(map[string]Downlink, len(downlinks))
	for _, downlink := range downlinks {
		if downlink != nil {
			byServer[downlink.Server()] = downlink
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &OTAPushHandler{downlinks: byServer, logger: logger}
}

type otaPushRequest struct {
	Server string `json:"server"`
	telemetry.OTAPush
}

// ServeHTTP handles POST /api/v1/devices/ota.
func (h *OTAPushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := identityOr401(w, r); !ok {
		return
	}
	var request otaPushRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if request.DeviceID == "" || request.Server == "" || request.URL == "" {
		http.Error(w, "id, server and url are required", http.StatusBadRequest)
		return
	}
	downlink, ok := h.downlinks[request.Server]
	if !ok {
		http.Error(w, "unknown server", http.StatusBadRequest)
		return
	}
	if err := downlink.PushOTA(request.OTAPush); err != nil {
		h.logger.Printf("api: ota push to %s@%s: %v", request.DeviceID, request.Server, err)
		http.Error(w, "ota push failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HealthHandler reports liveness.
type HealthHandler struct{}

// ServeHTTP handles GET /healthz.
func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
