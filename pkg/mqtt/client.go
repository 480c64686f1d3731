package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// Client publishes failover events and daemon status to an MQTT broker
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected atomic.Bool

	mu          sync.Mutex
	lastPublish time.Time

	// factory builds the paho client; replaced in tests
	factory func(*MQTT.ClientOptions) MQTT.Client
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "failoverd",
		TopicPrefix: "failoverd",
		QoS:         1,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Client{
		logger:  logger,
		config:  config,
		factory: MQTT.NewClient,
	}
}

// Topic joins the configured prefix and a suffix
func (c *Client) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// Connect establishes connection to the broker. A retained "offline" will
// is registered on the availability topic and "online" is published once
// connected.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetWill(c.Topic("availability"), "offline", byte(c.config.QoS), true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.factory(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(15*time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker %s:%d", c.config.Broker, c.config.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect publishes "offline" and disconnects from the broker
func (c *Client) Disconnect() error {
	if c.client == nil || !c.connected.Load() {
		return nil
	}
	if err := c.publishRaw(c.Topic("availability"), []byte("offline"), true); err != nil {
		c.logger.Debug("Failed to publish offline availability", "error", err)
	}
	c.client.Disconnect(250)
	c.connected.Store(false)
	c.logger.Info("MQTT client disconnected")
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
	if err := c.publishRaw(c.Topic("availability"), []byte("online"), true); err != nil {
		c.logger.Warn("Failed to publish availability", "error", err)
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// PublishEvent publishes a failover event to <prefix>/events
func (c *Client) PublishEvent(event *pkg.Event) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	return c.publishJSON(c.Topic("events"), event, false)
}

// PublishStatus publishes daemon status to <prefix>/status
func (c *Client) PublishStatus(status interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	return c.publishJSON(c.Topic("status"), payload, c.config.Retain)
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := c.publishRaw(topic, data, retain); err != nil {
		return err
	}
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

func (c *Client) publishRaw(topic string, data []byte, retain bool) error {
	token := c.client.Publish(topic, byte(c.config.QoS), retain, data)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
