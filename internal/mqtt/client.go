// Package mqtt connects the gateway to an MQTT broker: the client contract
// and its paho implementation, the topic scheme, the inbound Router, the
// outbound Publisher and Home Assistant discovery.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Message is one MQTT publish, inbound or outbound.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes, qos %d, retain %t)", m.Topic, len(m.Payload), m.QoS, m.Retain)
}

// Client is the broker connection the gateway drives. Implementations must
// be safe for concurrent use.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topics []string, qos byte) error
	Publish(ctx context.Context, msg Message) error
	// Messages delivers inbound publishes for subscribed topics.
	Messages() <-chan Message
	// Lost receives once per unexpected disconnect.
	Lost() <-chan error
}

// Gate blocks publishers while the broker connection is down.
type Gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases every waiter.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		close(g.ch)
		g.open = true
	}
}

// Close makes later Wait calls block again.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.ch = make(chan struct{})
		g.open = false
	}
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
