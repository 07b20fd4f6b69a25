// Package mqtt bridges the device's built-in MQTT client to a real broker.
// Radios without their own network path emit client proxy frames over the
// mesh link; the uplink republishes them and feeds broker traffic back down.
package mqtt

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/wire"
)

// Uplink is the broker side of the device's MQTT client proxy.
type Uplink struct {
	// BrokerURL is the URL of the MQTT broker to connect to.
	BrokerURL string
	// Username is the username for MQTT authentication.
	Username string
	// Password is the password for MQTT authentication.
	Password string
	// AppName is a unique identifier for the application, used in the MQTT client ID.
	AppName string
	// RootTopic is the base topic the device publishes and subscribes under.
	RootTopic string
	// Logger may be nil.
	Logger log.Logger

	client mqtt.Client
}

// Connect establishes the broker connection with a randomized client ID.
func (u *Uplink) Connect() error {
	if u.Logger == nil {
		u.Logger = log.NOOPLogger{}
	}
	if u.client != nil && u.client.IsConnected() {
		return nil
	}

	randomId := make([]byte, 4)
	_, _ = rand.Read(randomId)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(u.BrokerURL)
	opts.SetUsername(u.Username)
	opts.SetPassword(u.Password)
	opts.SetClientID(fmt.Sprintf("%s-%x", u.AppName, randomId))
	opts.SetOrderMatters(false)

	u.client = mqtt.NewClient(opts)

	token := u.client.Connect()
	<-token.Done()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect MQTT: %w", err)
	}
	return nil
}

// Attach wires the uplink to a bridge: device proxy frames go up to the
// broker, broker messages under RootTopic come back down to the device.
func (u *Uplink) Attach(ctx context.Context, b *meshbridge.Bridge) error {
	if u.client == nil || !u.client.IsConnected() {
		return ErrNotConnected
	}

	b.OnProxy(func(msg *wire.MQTTClientProxyMessage) {
		u.publish(msg)
	})

	token := u.client.Subscribe(u.RootTopic+"/#", 0, func(_ mqtt.Client, m mqtt.Message) {
		down := &wire.MQTTClientProxyMessage{
			Topic:    m.Topic(),
			Data:     m.Payload(),
			Retained: m.Retained(),
		}
		if err := b.SendProxy(ctx, down); err != nil {
			u.Logger.Warn("proxy downlink failed", "topic", m.Topic(), "error", err)
		}
	})
	<-token.Done()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (u *Uplink) Disconnect() {
	if u.client != nil && u.client.IsConnected() {
		u.client.Disconnect(1000)
	}
}

func (u *Uplink) publish(msg *wire.MQTTClientProxyMessage) {
	topic := msg.Topic
	if topic == "" {
		u.Logger.Warn("dropping proxy frame without topic")
		return
	}
	// The device may only know the subtopic; anchor it under the root.
	if u.RootTopic != "" && !strings.HasPrefix(topic, u.RootTopic) {
		topic = u.RootTopic + "/" + strings.TrimPrefix(topic, "/")
	}

	payload := msg.Data
	if len(payload) == 0 && msg.Text != "" {
		payload = []byte(msg.Text)
	}

	token := u.client.Publish(topic, 0, msg.Retained, payload)
	<-token.Done()
	if err := token.Error(); err != nil {
		u.Logger.Warn("proxy uplink publish failed", "topic", topic, "error", err)
	}
}
