package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

var ErrNotConnected = errors.New("mqtt not connected")

type MQTTConfig struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker   string
	ClientID string
	QoS      byte
	// ConnectTimeout bounds the initial connection; zero means 5s.
	ConnectTimeout time.Duration
	// PublishTimeout bounds every publish; zero means 2s.
	PublishTimeout time.Duration
}

// MQTT publishes over an auto-reconnecting MQTT connection.
type MQTT struct {
	cfg       MQTTConfig
	client    mqtt.Client
	connected atomic.Bool
}

func brokerURL(b string) string {
	if strings.Contains(b, "://") {
		return b
	}
	return "tcp://" + b
}

// DialMQTT connects to the broker. Once connected, lost connections are
// re-established in the background.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	m := &MQTT{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		glog.Infof("mqtt connection to %s established (client %s)", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		glog.Warningf("mqtt connection to %s lost, reconnecting: %s", cfg.Broker, err)
	}
	m.client = mqtt.NewClient(opts)

	glog.Infof("connecting to mqtt broker %s", cfg.Broker)
	token := m.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		m.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection to %s failed: %w", cfg.Broker, err)
	}
	m.connected.Store(true)
	return m, nil
}

func (m *MQTT) Publish(topic string, payload []byte) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// Close disconnects with a short grace period.
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		glog.Infof("mqtt disconnected from %s", m.cfg.Broker)
	}
	m.connected.Store(false)
	return nil
}
