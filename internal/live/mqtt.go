package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTTransport subscribes to an MQTT topic. The client's own auto-reconnect is
// disabled: the Subscription loop decides when to dial again.
type MQTTTransport struct {
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
}

func (t *MQTTTransport) Name() string { return "mqtt" }

func (t *MQTTTransport) Run(ctx context.Context, onConnect func(), deliver func(Message)) error {
	broker := t.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(t.ClientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	defer client.Disconnect(250) // 250ms grace period

	token = client.Subscribe(t.Topic, t.QoS, func(_ mqtt.Client, m mqtt.Message) {
		deliver(Message{Topic: m.Topic(), Key: lastSegment(m.Topic()), Body: m.Payload()})
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe to %s: %w", t.Topic, err)
	}
	onConnect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("mqtt connection lost: %w", err)
	}
}
