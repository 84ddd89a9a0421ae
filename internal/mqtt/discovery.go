package mqtt

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/iogate/iogate/internal/config"
)

// Discovery builds Home Assistant MQTT discovery announcements.
type Discovery struct {
	mqtt   config.MQTTConfig
	topics Topics
	// Model is reported in the device block, typically the gateway version.
	Model string
}

func NewDiscovery(cfg config.MQTTConfig, model string) *Discovery {
	return &Discovery{mqtt: cfg, topics: Topics{Prefix: cfg.TopicPrefix}, Model: model}
}

func (d *Discovery) common(name string, overrides map[string]any) map[string]any {
	c := map[string]any{
		"name":                  name,
		"availability_topic":    d.topics.Status(d.mqtt.StatusTopic),
		"payload_available":     d.mqtt.StatusPayloadRunning,
		"payload_not_available": d.mqtt.StatusPayloadDead,
		"device": map[string]any{
			"manufacturer": "iogate",
			"model":        d.Model,
			"identifiers":  []string{d.mqtt.ClientID},
			"name":         d.mqtt.HADiscovery.Name,
		},
	}
	maps.Copy(c, overrides)
	return c
}

func (d *Discovery) message(defaultComponent, name string, payload map[string]any) (Message, error) {
	component := defaultComponent
	if v, ok := payload["component"]; ok {
		component = fmt.Sprint(v)
		delete(payload, "component")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode discovery payload for %q: %w", name, err)
	}
	return Message{
		Topic:   fmt.Sprintf("%s/%s/%s/%s/config", d.mqtt.HADiscovery.Prefix, component, d.mqtt.ClientID, name),
		Payload: data,
		QoS:     d.mqtt.QoSLevel(),
		Retain:  true,
	}, nil
}

// Input announces a digital input as a binary_sensor.
func (d *Discovery) Input(in config.DigitalInput) (Message, error) {
	c := d.common(in.Name, in.HADiscovery)
	c["unique_id"] = fmt.Sprintf("%s_%s_input_%s", d.mqtt.ClientID, in.Module, in.Name)
	c["state_topic"] = d.topics.Input(in.Name)
	c["payload_on"] = in.OnPayload
	c["payload_off"] = in.OffPayload
	return d.message("binary_sensor", in.Name, c)
}

// Output announces a digital output as a switch.
func (d *Discovery) Output(out config.DigitalOutput) (Message, error) {
	c := d.common(out.Name, out.HADiscovery)
	c["unique_id"] = fmt.Sprintf("%s_%s_output_%s", d.mqtt.ClientID, out.Module, out.Name)
	c["state_topic"] = d.topics.Output(out.Name)
	c["command_topic"] = d.topics.OutputCommand(out.Name, SetSuffix)
	c["payload_on"] = out.OnPayload
	c["payload_off"] = out.OffPayload
	return d.message("switch", out.Name, c)
}

// Sensor announces a sensor input. Unless overridden, the value expires
// after two missed intervals plus a grace period.
func (d *Discovery) Sensor(s config.SensorInput) (Message, error) {
	c := d.common(s.Name, s.HADiscovery)
	c["unique_id"] = fmt.Sprintf("%s_%s_sensor_%s", d.mqtt.ClientID, s.Module, s.Name)
	c["state_topic"] = d.topics.Sensor(s.Name)
	if _, ok := c["expire_after"]; !ok {
		c["expire_after"] = s.IntervalSeconds*2 + 5
	}
	return d.message("sensor", s.Name, c)
}

// Announcements returns the discovery message of every input, output and
// sensor in cfg.
func (d *Discovery) Announcements(cfg *config.Config) ([]Message, error) {
	var msgs []Message
	for _, in := range cfg.DigitalInputs {
		m, err := d.Input(in)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	for _, out := range cfg.DigitalOutputs {
		m, err := d.Output(out)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	for _, s := range cfg.SensorInputs {
		m, err := d.Sensor(s)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
