package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
)

var _ Recorder = (*MQTT)(nil)

const defaultPublishTimeout = 2 * time.Second

// MQTTConfig locates the broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix defaults to "mount".
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// MQTT publishes the status of each device, retained, to
// <prefix>/<device>/status. The daemon's own availability is published to
// <prefix>/status with an offline last will.
type MQTT struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	log    *logging.Logger
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, log *logging.Logger) (*MQTT, error) {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mount"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mountd"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetWill(cfg.TopicPrefix+"/status", "offline", cfg.QoS, true)
	m := &MQTT{prefix: cfg.TopicPrefix, qos: cfg.QoS, log: log.With("component", "mqtt")}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		m.log.Info("connected", "broker", cfg.Broker)
		m.client.Publish(m.prefix+"/status", m.qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.log.Warn("connection lost", "error", err)
	})
	m.client = pahomqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return m, nil
}

func newMQTT(client pahomqtt.Client, prefix string) *MQTT {
	return &MQTT{client: client, prefix: prefix, log: logging.Discard()}
}

// StatusTopic returns the topic the status of device is published to.
func (m *MQTT) StatusTopic(device string) string {
	return fmt.Sprintf("%s/%s/status", m.prefix, device)
}

func (m *MQTT) RecordStatus(change StatusChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		m.log.Error("encoding status", "error", err)
		return
	}
	token := m.client.Publish(m.StatusTopic(change.Device), m.qos, true, payload)
	go func() {
		if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
			m.log.Warn("publishing status", "device", change.Device, "error", token.Error())
		}
	}()
}

// RecordOperation publishes nothing; operations are not retained state.
func (m *MQTT) RecordOperation(op motion.Operation) {}

// Close publishes the offline status and disconnects.
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Publish(m.prefix+"/status", m.qos, true, "offline").WaitTimeout(defaultPublishTimeout)
	}
	m.client.Disconnect(250)
	return nil
}
