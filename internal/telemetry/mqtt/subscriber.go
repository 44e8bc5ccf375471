package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"redmite-cloud/internal/devices/application"
	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/devices/infrastructure/clickhouse"
	"redmite-cloud/internal/observability/metrics"
)

const (
	statusTopicFilter = "YIELDX/STAT/RM/#"
	configTopicFilter = "YIELDX/CONF/RM/CURRENT/#"
)

// DetectionWriter appends detection events reported in trap statuses.
type DetectionWriter interface {
	Save(ctx context.Context, detection clickhouse.Detection) error
}

// Subscriber decodes trap telemetry from one broker into state store updates.
// Malformed payloads are dropped and logged; they never reach the store.
type Subscriber struct {
	client     mqtt.Client
	server     string
	store      *application.StateStore
	detections DetectionWriter
	logger     *log.Logger
}

// NewSubscriber constructs a subscriber for one broker connection. The
// detection writer is optional.
func NewSubscriber(client *Client, store *application.StateStore, detections DetectionWriter, logger *log.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("mqtt subscriber: nil client")
	}
	if store == nil {
		return nil, errors.New("mqtt subscriber: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Subscriber{
		client:     client.Native(),
		server:     client.Server(),
		store:      store,
		detections: detections,
		logger:     logger,
	}, nil
}

// Subscribe attaches the status and config handlers.
func (s *Subscriber) Subscribe() error {
	if token := s.client.Subscribe(statusTopicFilter, 1, s.handleStatus); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscriber: subscribe %s: %w", statusTopicFilter, token.Error())
	}
	if token := s.client.Subscribe(configTopicFilter, 1, s.handleConfig); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscriber: subscribe %s: %w", configTopicFilter, token.Error())
	}
	s.logger.Printf("mqtt: subscribed to trap telemetry on %s", s.server)
	return nil
}

func (s *Subscriber) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	deviceID := topicSegment(msg.Topic(), 3)
	if deviceID == "" {
		metrics.IncTelemetryDropped("bad_topic")
		s.logger.Printf("mqtt: status on unexpected topic %s", msg.Topic())
		return
	}
	status, err := parseStatus(msg.Payload())
	if err != nil {
		metrics.IncTelemetryDropped("bad_status")
		s.logger.Printf("mqtt: drop status from %s@%s: %v", deviceID, s.server, err)
		return
	}
	metrics.IncTelemetryMessage("status", s.server)

	key := devices.Key{DeviceID: deviceID, Server: s.server}
	previous, known := s.store.Get(key)
	s.store.Set(key, application.Update{Status: status})

	if s.detections != nil && status.Detection != 0 {
		if !known || previous.Status == nil || previous.Status.Detection != status.Detection {
			detection := clickhouse.Detection{
				DeviceID:  deviceID,
				Server:    s.server,
				Timestamp: time.UnixMilli(status.Detection).UTC(),
				Mode:      string(status.Mode),
			}
			if err := s.detections.Save(context.Background(), detection); err != nil {
				s.logger.Printf("mqtt: save detection for %s@%s: %v", deviceID, s.server, err)
			}
		}
	}
}

func (s *Subscriber) handleConfig(_ mqtt.Client, msg mqtt.Message) {
	deviceID := topicSegment(msg.Topic(), 4)
	if deviceID == "" {
		metrics.IncTelemetryDropped("bad_topic")
		s.logger.Printf("mqtt: config on unexpected topic %s", msg.Topic())
		return
	}
	update, err := parseConfig(msg.Payload())
	if err != nil {
		metrics.IncTelemetryDropped("bad_config")
		s.logger.Printf("mqtt: drop config from %s@%s: %v", deviceID, s.server, err)
		return
	}
	metrics.IncTelemetryMessage("config", s.server)
	s.store.Set(devices.Key{DeviceID: deviceID, Server: s.server}, update)
}

func topicSegment(topic string, index int) string {
	parts := strings.Split(topic, "/")
	if index >= len(parts) {
		return ""
	}
	return parts[index]
}

// statusPayload is the trap's status report. Timestamps are epoch seconds.
type statusPayload struct {
	Start     int64  `json:"STRT"`
	End       int64  `json:"END"`
	Detection int64  `json:"DETCT"`
	Trained   int64  `json:"TRND"`
	Battery   string `json:"BSTAT"`
	Mode      string `json:"MODE"`
	TS        int64  `json:"TS"`
}

func parseStatus(payload []byte) (*devices.Status, error) {
	var parsed statusPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, err
	}
	if parsed.TS == 0 {
		return nil, errors.New("missing TS")
	}
	if parsed.Mode == "" {
		return nil, errors.New("missing MODE")
	}
	battery := devices.BatteryOk
	if parsed.Battery == "Low" {
		battery = devices.BatteryLow
	}
	// An unrecognized mode is stored as-is; its schedule stays stagnant.
	mode, _ := devices.ParseMode(parsed.Mode)
	return &devices.Status{
		Mode:        mode,
		Start:       parsed.Start * 1000,
		End:         parsed.End * 1000,
		Detection:   parsed.Detection * 1000,
		Trained:     parsed.Trained * 1000,
		Battery:     battery,
		LastUpdated: parsed.TS * 1000,
	}, nil
}

// configPayload is the trap's configuration report. Pointer fields
// distinguish absent values, which fall back to the trap firmware defaults.
type configPayload struct {
	Location   *string `json:"Location"`
	House      *string `json:"House"`
	InHouseLoc *string `json:"InHouseLoc"`
	Customer   *string `json:"Customer"`
	Contact    *string `json:"Contact"`
	PreOpen    *int    `json:"PreOpen"`
	VentDur    *int    `json:"ventDur"`
	On1        *int    `json:"On_1"`
	Sleep1     *int    `json:"Sleep_1"`
	Train      *int    `json:"Train"`
	Open1      *string `json:"Open_1"`
	Close1     *string `json:"Close_1"`
	StartDet   *string `json:"StartDet"`
	Vent2      *int    `json:"vent2"`
	On2        *int    `json:"On_2"`
	Sleep2     *int    `json:"Sleep_2"`
	Detect     *int    `json:"Detect"`
	GMT        *int    `json:"GMT"`
}

func parseConfig(payload []byte) (application.Update, error) {
	var parsed configPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return application.Update{}, err
	}
	config := &devices.Config{
		Training: devices.TrainingConfig{
			PreOpen: intOr(parsed.PreOpen, 0),
			VentDur: intOr(parsed.VentDur, 1),
			On1:     intOr(parsed.On1, 0),
			Sleep1:  intOr(parsed.Sleep1, 0),
			Train:   intOr(parsed.Train, 0),
		},
		Detection: devices.DetectionConfig{
			Open1:    padClock(parsed.Open1, "09:46"),
			Close1:   padClock(parsed.Close1, "09:48"),
			StartDet: padClock(parsed.StartDet, "09:50"),
			Vent2:    intOr(parsed.Vent2, 0),
			On2:      intOr(parsed.On2, 1),
			Sleep2:   intOr(parsed.Sleep2, 1),
			Detect:   intOr(parsed.Detect, 1),
		},
		Timezone: intOr(parsed.GMT, 0),
	}
	return application.Update{
		Customer:   stringOr(parsed.Customer, ""),
		Location:   stringOr(parsed.Location, ""),
		House:      stringOr(parsed.House, ""),
		InHouseLoc: stringOr(parsed.InHouseLoc, ""),
		Contact:    stringOr(parsed.Contact, ""),
		Config:     config,
	}, nil
}

func intOr(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

func stringOr(value *string, fallback string) *string {
	if value == nil {
		return &fallback
	}
	return value
}

// padClock left-pads single-digit hours so "9:46" stores as "09:46",
// matching what the trap firmware sends on fresh installs.
func padClock(value *string, fallback string) string {
	if value == nil || *value == "" {
		return fallback
	}
	clock := *value
	for len(clock) < 5 {
		clock = "0" + clock
	}
	return clock
}
