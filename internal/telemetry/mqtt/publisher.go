package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/observability/metrics"
)

// ConfigPush is a full configuration to send down to one trap, including the
// placement metadata it reports back on the config topic.
type ConfigPush struct {
	DeviceID   string         `json:"id"`
	Location   string         `json:"location"`
	House      string         `json:"house"`
	InHouseLoc string         `json:"inHouseLoc"`
	Customer   string         `json:"customer"`
	Contact    string         `json:"contact"`
	Config     devices.Config `json:"conf"`
}

// OTAPush announces a firmware image for one trap to fetch.
type OTAPush struct {
	DeviceID string `json:"id"`
	Version  string `json:"version"`
	URL      string `json:"url"`
}

// Publisher sends retained downlink messages to traps on one broker. Retained
// delivery matters: traps sleep between cycles and pick the message up on
// their next wake.
type Publisher struct {
	client mqtt.Client
	server string
	logger *log.Logger
}

// NewPublisher constructs a publisher for one broker connection.
func NewPublisher(client *Client, logger *log.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("mqtt publisher: nil client")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{client: client.Native(), server: client.Server(), logger: logger}, nil
}

// Server returns the logical broker name this publisher sends through.
func (p *Publisher) Server() string {
	return p.server
}

// PushConfig publishes a retained configuration update in the trap's wire
// vocabulary.
func (p *Publisher) PushConfig(push ConfigPush) error {
	if push.DeviceID == "" {
		return errors.New("mqtt publisher: empty device id")
	}
	payload, err := json.Marshal(map[string]any{
		"Location":   push.Location,
		"House":      push.House,
		"InHouseLoc": push.InHouseLoc,
		"Customer":   push.Customer,
		"Contact":    push.Contact,
		"PreOpen":    push.Config.Training.PreOpen,
		"ventDur":    push.Config.Training.VentDur,
		"On_1":       push.Config.Training.On1,
		"Sleep_1":    push.Config.Training.Sleep1,
		"Train":      push.Config.Training.Train,
		"Open_1":     push.Config.Detection.Open1,
		"Close_1":    push.Config.Detection.Close1,
		"StartDet":   push.Config.Detection.StartDet,
		"vent2":      push.Config.Detection.Vent2,
		"On_2":       push.Config.Detection.On2,
		"Sleep_2":    push.Config.Detection.Sleep2,
		"Detect":     push.Config.Detection.Detect,
		"GMT":        push.Config.Timezone,
	})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("YIELDX/CONF/RM/NEW/%s", push.DeviceID)
	if err := p.publishRetained(topic, payload); err != nil {
		metrics.IncConfigPush(metrics.ResultError)
		return err
	}
	metrics.IncConfigPush(metrics.ResultSuccess)
	p.logger.Printf("mqtt: pushed config to %s@%s", push.DeviceID, p.server)
	return nil
}

// PushOTA publishes a retained firmware pointer.
func (p *Publisher) PushOTA(push OTAPush) error {
	if push.DeviceID == "" {
		return errors.New("mqtt publisher: empty device id")
	}
	if push.URL == "" {
		return errors.New("mqtt publisher: empty image url")
	}
	payload, err := json.Marshal(map[string]string{
		"Version": push.Version,
		"URL":     push.URL,
	})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("YIELDX/OTA/RM/NEW/%s", push.DeviceID)
	if err := p.publishRetained(topic, payload); err != nil {
		return err
	}
	p.logger.Printf("mqtt: pushed ota pointer to %s@%s", push.DeviceID, p.server)
	return nil
}

func (p *Publisher) publishRetained(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publisher: publish %s: %w", topic, token.Error())
	}
	return nil
}
