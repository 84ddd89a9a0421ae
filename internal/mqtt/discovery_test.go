package mqtt_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/mqtt"
)

func discoveryConfig() *config.Config {
	cfg := &config.Config{
		MQTT: config.MQTTConfig{
			Host:        "broker",
			TopicPrefix: "home",
			ClientID:    "gw1",
			HADiscovery: config.HADiscoveryConfig{Enabled: true, Name: "Garage"},
		},
		DigitalInputs: []config.DigitalInput{
			{Name: "door", Module: "board", Pin: "1", HADiscovery: map[string]any{"device_class": "door"}},
		},
		DigitalOutputs: []config.DigitalOutput{
			{Name: "relay", Module: "board", Pin: "2", HADiscovery: map[string]any{"component": "light"}},
		},
		SensorInputs: []config.SensorInput{
			{Name: "temp", Module: "climate", IntervalSeconds: 30, HADiscovery: map[string]any{"unit_of_measurement": "C"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiscovery_Announcements(t *testing.T) {
	cfg := discoveryConfig()
	msgs, err := mqtt.NewDiscovery(cfg.MQTT, "v1.0.0").Announcements(cfg)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	cases := []struct {
		golden string
		topic  string
	}{
		{"discovery_input_door", "homeassistant/binary_sensor/gw1/door/config"},
		{"discovery_output_relay", "homeassistant/light/gw1/relay/config"},
		{"discovery_sensor_temp", "homeassistant/sensor/gw1/temp/config"},
	}
	for i, tc := range cases {
		t.Run(tc.golden, func(t *testing.T) {
			msg := msgs[i]
			assert.Equal(t, tc.topic, msg.Topic)
			assert.True(t, msg.Retain)

			var buf bytes.Buffer
			require.NoError(t, json.Indent(&buf, msg.Payload, "", "  "))
			buf.WriteByte('\n')
			g.Assert(t, tc.golden, buf.Bytes())
		})
	}

	// the override map in config is left untouched
	assert.Equal(t, "light", cfg.DigitalOutputs[0].HADiscovery["component"])
}

func TestDiscovery_SensorExpireOverride(t *testing.T) {
	cfg := discoveryConfig()
	s := cfg.SensorInputs[0]
	s.HADiscovery = map[string]any{"expire_after": 0}

	msg, err := mqtt.NewDiscovery(cfg.MQTT, "v1").Sensor(s)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.EqualValues(t, 0, payload["expire_after"])
}
