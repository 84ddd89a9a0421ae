package mqtt

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/tasks"
)

// Publisher turns bus events into broker messages. Each event type is
// published by its own task, in the order the events were fired.
type Publisher struct {
	client Client
	gate   *Gate
	topics Topics
	qos    byte
	logger *slog.Logger

	inputs  map[string]config.DigitalInput
	outputs map[string]config.DigitalOutput
	sensors map[string]config.SensorInput
	streams map[string]config.StreamModule
}

func NewPublisher(client Client, gate *Gate, cfg *config.Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		client:  client,
		gate:    gate,
		topics:  Topics{Prefix: cfg.MQTT.TopicPrefix},
		qos:     cfg.MQTT.QoSLevel(),
		logger:  logger.With("component", "publisher"),
		inputs:  make(map[string]config.DigitalInput, len(cfg.DigitalInputs)),
		outputs: make(map[string]config.DigitalOutput, len(cfg.DigitalOutputs)),
		sensors: make(map[string]config.SensorInput, len(cfg.SensorInputs)),
		streams: make(map[string]config.StreamModule, len(cfg.StreamModules)),
	}
	for _, in := range cfg.DigitalInputs {
		p.inputs[in.Name] = in
	}
	for _, out := range cfg.DigitalOutputs {
		p.outputs[out.Name] = out
	}
	for _, s := range cfg.SensorInputs {
		p.sensors[s.Name] = s
	}
	for _, s := range cfg.StreamModules {
		p.streams[s.Name] = s
	}
	return p
}

// Start subscribes to the bus and launches one publishing task per event
// type. Events fired after Start returns are never missed.
func (p *Publisher) Start(sup *tasks.Supervisor, bus *eventbus.Bus) error {
	runs := []struct {
		name string
		fn   tasks.Func
	}{
		{"publish inputs", eventbus.Handle(bus, p.onInput)},
		{"publish outputs", eventbus.Handle(bus, p.onOutput)},
		{"publish sensors", eventbus.Handle(bus, p.onSensor)},
		{"publish streams", eventbus.Handle(bus, p.onStream)},
	}
	for _, r := range runs {
		if err := sup.Go(r.name, r.fn); err != nil {
			return err
		}
	}
	return nil
}

// Publish waits for the broker connection and sends msg. Failures are
// logged; the message is dropped.
func (p *Publisher) Publish(ctx context.Context, msg Message) {
	if err := p.gate.Wait(ctx); err != nil {
		return
	}
	if err := p.client.Publish(ctx, msg); err != nil {
		p.logger.Warn("failed to publish", "topic", msg.Topic, "error", err)
		return
	}
	p.logger.Debug("published", "topic", msg.Topic, "payload", string(msg.Payload))
}

// InputPayload maps a raw input level to its configured payload.
func InputPayload(in config.DigitalInput, level bool) string {
	if level != in.Inverted {
		return in.OnPayload
	}
	return in.OffPayload
}

func OutputPayload(out config.DigitalOutput, value bool) string {
	if value {
		return out.OnPayload
	}
	return out.OffPayload
}

// SensorPayload formats value with the sensor's number of decimals.
func SensorPayload(s config.SensorInput, value float64) string {
	return strconv.FormatFloat(value, 'f', s.Precision(), 64)
}

func (p *Publisher) onInput(ctx context.Context, ev eventbus.InputChanged) {
	in, ok := p.inputs[ev.Name]
	if !ok {
		return
	}
	p.Publish(ctx, Message{
		Topic:   p.topics.Input(in.Name),
		Payload: []byte(InputPayload(in, ev.To)),
		QoS:     p.qos,
		Retain:  in.Retain,
	})
}

func (p *Publisher) onOutput(ctx context.Context, ev eventbus.OutputChanged) {
	out, ok := p.outputs[ev.Name]
	if !ok {
		return
	}
	p.Publish(ctx, Message{
		Topic:   p.topics.Output(out.Name),
		Payload: []byte(OutputPayload(out, ev.To)),
		QoS:     p.qos,
		Retain:  out.Retain,
	})
}

func (p *Publisher) onSensor(ctx context.Context, ev eventbus.SensorRead) {
	s, ok := p.sensors[ev.Name]
	if !ok {
		return
	}
	p.Publish(ctx, Message{
		Topic:   p.topics.Sensor(s.Name),
		Payload: []byte(SensorPayload(s, ev.Value)),
		QoS:     p.qos,
		Retain:  s.Retain,
	})
}

func (p *Publisher) onStream(ctx context.Context, ev eventbus.StreamDataRead) {
	s, ok := p.streams[ev.Name]
	if !ok {
		return
	}
	p.Publish(ctx, Message{
		Topic:   p.topics.Stream(s.Name),
		Payload: ev.Data,
		QoS:     p.qos,
		Retain:  s.Retain,
	})
}
