package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

const disconnectQuiesce = 250 // ms

// MQTT connects to an MQTT broker such as the public ones the CLI defaults
// to.
type MQTT struct {
	broker   string
	clientID string
	qos      byte

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTT(broker, clientID string, qos byte) *MQTT {
	if 2 < qos {
		qos = 2
	}
	return &MQTT{
		broker:   broker,
		clientID: clientID,
		qos:      qos,
	}
}

func (m *MQTT) Connect(ctx context.Context, will *Will) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.broker).
		SetClientID(m.clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			glog.Warningf("[mqtt]connection to %s lost: %s\n", m.broker, err)
		})
	if will != nil {
		// not retained, or later joiners would remove the site again
		opts.SetBinaryWill(will.Topic, will.Payload, m.qos, false)
	}
	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("transport: connect %s: %w", m.broker, err)
	}
	glog.V(1).Infof("[mqtt]connected to %s as %s\n", m.broker, m.clientID)

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	return wait(ctx, client.Publish(topic, m.qos, retained, payload))
}

func (m *MQTT) Subscribe(ctx context.Context, topic string, h Handler) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	return wait(ctx, client.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			Retained: msg.Retained(),
		})
	}))
}

func (m *MQTT) Unsubscribe(ctx context.Context, topic string) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	return wait(ctx, client.Unsubscribe(topic))
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	m.client.Disconnect(disconnectQuiesce)
	m.client = nil
	return nil
}

func (m *MQTT) connected() (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
