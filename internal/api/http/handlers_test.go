package apihttp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"redmite-cloud/internal/auth"
	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/devices/infrastructure/clickhouse"
	telemetry "redmite-cloud/internal/telemetry/mqtt"
)

type stubService struct {
	states map[devices.Key]devices.State
	cycles []devices.OperationCycle
}

func (s *stubService) CurrentState(_ context.Context, identity auth.Identity, deviceID, server string) (devices.State, error) {
	state, ok := s.states[devices.Key{DeviceID: deviceID, Server: server}]
	if !ok {
		return devices.State{}, devices.ErrNotFound
	}
	if !identity.CanViewDevice(state.Customer) {
		return devices.State{}, auth.ErrUnauthorized
	}
	return state, nil
}

func (s *stubService) Operations(ctx context.Context, identity auth.Identity, deviceID, server string) ([]devices.OperationCycle, error) {
	if _, err := s.CurrentState(ctx, identity, deviceID, server); err != nil {
		return nil, err
	}
	return s.cycles, nil
}

func (s *stubService) VisibleStates(identity auth.Identity) []devices.State {
	var visible []devices.State
	for _, state := range s.states {
		if identity.CanViewDevice(state.Customer) {
			visible = append(visible, state)
		}
	}
	return visible
}

func serviceWith(states ...devices.State) *stubService {
	byKey := make(map[devices.Key]devices.State)
	for _, state := range states {
		byKey[state.Key()] = state
	}
	return &stubService{states: byKey}
}

func completeState(id, customer string) devices.State {
	return devices.State{
		DeviceID: id,
		Server:   "broker-a",
		Customer: customer,
		Config:   &devices.Config{},
		Status:   &devices.Status{Mode: devices.ModeTraining},
	}
}

func asUser(r *http.Request, customer string) *http.Request {
	identity := auth.Identity{Username: "grower", Customer: customer, Role: auth.RoleUser}
	return r.WithContext(auth.WithIdentity(r.Context(), identity))
}

func asAdmin(r *http.Request) *http.Request {
	identity := auth.Identity{Username: "ops", Role: auth.RoleAdmin}
	return r.WithContext(auth.WithIdentity(r.Context(), identity))
}

func TestDevicesHandlerFiltersByCustomer(t *testing.T) {
	service := serviceWith(completeState("RM001", "acme"), completeState("RM002", "other"))
	handler := NewDevicesHandler(service)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "acme"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var states []devices.State
	if err := json.NewDecoder(w.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(states) != 1 || states[0].DeviceID != "RM001" {
		t.Fatalf("states = %+v", states)
	}
}

func TestDevicesHandlerRequiresIdentity(t *testing.T) {
	handler := NewDevicesHandler(serviceWith())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestStateHandlerErrorMapping(t *testing.T) {
	service := serviceWith(completeState("RM001", "acme"))
	handler := NewStateHandler(service)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices/state?id=RM009&server=broker-a", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "acme"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown trap status = %d, want 404", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/devices/state?id=RM001&server=broker-a", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "other"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign trap status = %d, want 403", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/devices/state?id=RM001", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "acme"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing server status = %d, want 400", w.Code)
	}
}

func TestOperationsHandlerReturnsCycles(t *testing.T) {
	service := serviceWith(completeState("RM001", "acme"))
	service.cycles = []devices.OperationCycle{
		{Category: devices.CategoryTraining, TotalCycles: 3, Cycles: make([]*devices.Interval, 4)},
	}
	handler := NewOperationsHandler(service)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices/operations?id=RM001&server=broker-a", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asAdmin(r))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cycles []devices.OperationCycle
	if err := json.NewDecoder(w.Body).Decode(&cycles); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cycles) != 1 || cycles[0].TotalCycles != 3 {
		t.Fatalf("cycles = %+v", cycles)
	}
}

func TestOperationsExportHandlerRejectsBadFormat(t *testing.T) {
	if _, err := NewOperationsExportHandler(serviceWith(), "csv"); err == nil {
		t.Fatal("accepted csv format")
	}
}

func TestOperationsExportHandlerServesWorkbook(t *testing.T) {
	service := serviceWith(completeState("RM001", "acme"))
	handler, err := NewOperationsExportHandler(service, "xlsx")
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices/operations/export.xlsx?id=RM001&server=broker-a", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "acme"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "RM001") {
		t.Fatalf("disposition = %q", got)
	}
	if w.Body.Len() == 0 {
		t.Fatal("empty workbook")
	}
}

type stubDetections struct {
	result []clickhouse.Detection
}

func (s stubDetections) Query(_ context.Context, _, _ string, _, _ time.Time) ([]clickhouse.Detection, error) {
	return s.result, nil
}

func TestDetectionsHandlerEnforcesVisibility(t *testing.T) {
	service := serviceWith(completeState("RM001", "acme"))
	handler := NewDetectionsHandler(service, stubDetections{result: []clickhouse.Detection{{DeviceID: "RM001"}}})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices/detections?id=RM001&server=broker-a", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "other"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/devices/detections?id=RM001&server=broker-a", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(r, "acme"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

type stubDownlink struct {
	server  string
	configs []telemetry.ConfigPush
	otas    []telemetry.OTAPush
}

func (s *stubDownlink) Server() string { return s.server }

func (s *stubDownlink) PushConfig(push telemetry.ConfigPush) error {
	s.configs = append(s.configs, push)
	return nil
}

func (s *stubDownlink) PushOTA(push telemetry.OTAPush) error {
	s.otas = append(s.otas, push)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestConfigPushHandlerRoutesToBroker(t *testing.T) {
	downlink := &stubDownlink{server: "broker-a"}
	handler := NewConfigPushHandler([]Downlink{downlink}, quietLogger())

	body := `{"server":"broker-a","id":"RM001","customer":"acme","conf":{"training":{"train":22},"detection":{"open1":"09:46"},"timezone":2}}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices/config", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asAdmin(r))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(downlink.configs) != 1 || downlink.configs[0].DeviceID != "RM001" {
		t.Fatalf("pushed = %+v", downlink.configs)
	}
	if downlink.configs[0].Config.Timezone != 2 {
		t.Fatalf("timezone = %d", downlink.configs[0].Config.Timezone)
	}
}

func TestConfigPushHandlerUnknownBroker(t *testing.T) {
	handler := NewConfigPushHandler([]Downlink{&stubDownlink{server: "broker-a"}}, quietLogger())

	body := `{"server":"broker-z","id":"RM001"}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices/config", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asAdmin(r))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOTAPushHandlerRequiresURL(t *testing.T) {
	downlink := &stubDownlink{server: "broker-a"}
	handler := NewOTAPushHandler([]Downlink{downlink}, quietLogger())

	body := `{"server":"broker-a","id":"RM001","version":"2.4.1"}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ota", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asAdmin(r))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	body = `{"server":"broker-a","id":"RM001","version":"2.4.1","url":"https://images.example/rm-2.4.1.bin"}`
	r = httptest.NewRequest(http.MethodPost, "/api/v1/devices/ota", strings.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, asAdmin(r))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(downlink.otas) != 1 || downlink.otas[0].URL == "" {
		t.Fatalf("pushed = %+v", downlink.otas)
	}
}

func TestBrokerBroadcastReachesSubscribers(t *testing.T) {
	broker := NewBroker()
	updates, cancel := broker.Subscribe()
	defer cancel()

	broker.Broadcast(completeState("RM001", "acme"))

	select {
	case state := <-updates:
		if state.DeviceID != "RM001" {
			t.Fatalf("state = %+v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	broker := NewBroker()
	updates, cancel := broker.Subscribe()
	defer cancel()

	for i := 0; i < 40; i++ {
		broker.Broadcast(completeState("RM001", "acme"))
	}
	// Channel capacity bounds what a stalled client can hold.
	if len(updates) > 16 {
		t.Fatalf("buffered %d updates", len(updates))
	}
}
