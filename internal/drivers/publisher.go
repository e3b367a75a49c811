package drivers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
)

const (
	mqttConnectTimeout = 15 * time.Second
	mqttPublishTimeout = 10 * time.Second
)

// ErrPublisherDown is returned when publishing without a live broker
// connection.
var ErrPublisherDown = errors.New("drivers: publisher not connected")

// MQTTPublisher is the telemetry uplink. Reconnection is owned by the
// health monitor, not by the MQTT library, so auto-reconnect stays off
// and connection state is always observable.
type MQTTPublisher struct {
	cfg config.MQTTConfig
	log *logger.Logger

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTPublisher(cfg config.MQTTConfig, log *logger.Logger) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg, log: log.WithTag("PUBLISHER")}
}

// Init builds the MQTT client. No network traffic happens here.
func (p *MQTTPublisher) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = mqtt.NewClient(p.options())
	return nil
}

// Connect dials the broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("connecting to %s: %w", p.cfg.BrokerURL(), ErrPublisherDown)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", p.cfg.BrokerURL(), err)
	}
	p.log.Infof("connected to %s", p.cfg.BrokerURL())
	return nil
}

// IsConnected reports live broker connectivity.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsConnected()
}

// Publish sends one message and waits for broker acknowledgement at the
// configured QoS.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrPublisherDown
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	token := client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s: %w", topic, ErrPublisherDown)
	}
	return token.Error()
}

// Disconnect closes the broker connection.
func (p *MQTTPublisher) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// Reset tears the client down so the next Init starts clean. Used by the
// full restart path.
func (p *MQTTPublisher) Reset() {
	p.Disconnect()
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

func (p *MQTTPublisher) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL()).
		SetClientID(p.cfg.ClientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warnf("connection lost: %v", err)
	})
	return opts
}
