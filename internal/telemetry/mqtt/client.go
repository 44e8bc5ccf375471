package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ClientConfig holds one broker connection's settings. Server is the logical
// broker name used in trap keys, not the URL.
type ClientConfig struct {
	BrokerURL string
	Server    string
	Username  string
	Password  string
}

// Client manages one broker connection.
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger *log.Logger
}

// NewClient connects to the broker. Trap brokers run on public endpoints
// with self-signed certificates, so mqtts URLs skip verification.
func NewClient(config ClientConfig, logger *log.Logger) (*Client, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt client: empty broker url")
	}
	if config.Server == "" {
		return nil, errors.New("mqtt client: empty server name")
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(fmt.Sprintf("redmite-cloud-%s-%s", config.Server, uuid.NewString()[:8]))
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	if strings.HasPrefix(config.BrokerURL, "mqtts://") || strings.HasPrefix(config.BrokerURL, "ssl://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Printf("mqtt: connected to %s", config.Server)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("mqtt: connection to %s lost: %v", config.Server, err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt client: connect %s: %w", config.Server, token.Error())
	}
	return &Client{client: client, config: config, logger: logger}, nil
}

// Server returns the logical broker name.
func (c *Client) Server() string {
	return c.config.Server
}

// Native returns the underlying paho client.
func (c *Client) Native() mqtt.Client {
	return c.client
}

// Close disconnects the broker connection.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.logger.Printf("mqtt: disconnected from %s", c.config.Server)
}
