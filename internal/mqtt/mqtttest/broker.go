// Package mqtttest provides an in-memory mqtt.Client for tests.
package mqtttest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/iogate/iogate/internal/mqtt"
)

// Broker records everything published and lets tests inject inbound
// messages, connection failures and connection loss.
type Broker struct {
	mu            sync.Mutex
	connected     bool
	connects      int
	disconnects   int
	connectErrors []error
	subscriptions []string
	published     []mqtt.Message
	retained      map[string]mqtt.Message

	messages chan mqtt.Message
	lost     chan error
}

var _ mqtt.Client = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		retained: make(map[string]mqtt.Message),
		messages: make(chan mqtt.Message, 64),
		lost:     make(chan error, 1),
	}
}

// FailConnect makes the next len(errs) Connect calls fail in order.
func (b *Broker) FailConnect(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrors = append(b.connectErrors, errs...)
}

func (b *Broker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrors) > 0 {
		err := b.connectErrors[0]
		b.connectErrors = b.connectErrors[1:]
		return err
	}
	b.connected = true
	return nil
}

func (b *Broker) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.disconnects++
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topics []string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	for _, t := range topics {
		if !slices.Contains(b.subscriptions, t) {
			b.subscriptions = append(b.subscriptions, t)
		}
	}
	return nil
}

func (b *Broker) Publish(_ context.Context, msg mqtt.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	b.published = append(b.published, msg)
	if msg.Retain {
		b.retained[msg.Topic] = msg
	}
	return nil
}

func (b *Broker) Messages() <-chan mqtt.Message {
	return b.messages
}

func (b *Broker) Lost() <-chan error {
	return b.lost
}

// Deliver injects an inbound message as if the broker routed it to us. It
// reports false when the topic was never subscribed.
func (b *Broker) Deliver(topic string, payload []byte) bool {
	b.mu.Lock()
	subscribed := slices.Contains(b.subscriptions, topic)
	b.mu.Unlock()
	if !subscribed {
		return false
	}
	b.messages <- mqtt.Message{Topic: topic, Payload: payload, QoS: 1}
	return true
}

// Drop simulates an unexpected connection loss.
func (b *Broker) Drop() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	select {
	case b.lost <- errors.New("connection reset by peer"):
	default:
	}
}

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *Broker) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscriptions...)
}

// Published returns every message published to topic, oldest first. An
// empty topic returns everything.
func (b *Broker) Published(topic string) []mqtt.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []mqtt.Message
	for _, m := range b.published {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Payloads returns the payloads published to topic as strings.
func (b *Broker) Payloads(topic string) []string {
	var out []string
	for _, m := range b.Published(topic) {
		out = append(out, string(m.Payload))
	}
	return out
}

// Retained returns the retained message for topic.
func (b *Broker) Retained(topic string) (mqtt.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.retained[topic]
	return m, ok
}
