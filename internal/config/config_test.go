package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
mqtt:
  host: broker.local
  topic_prefix: home/io/
gpio_modules:
  - name: mock
    module: mock
    flags: [software_callback]
digital_inputs:
  - name: mock0
    module: mock
    pin: 0
  - name: mock1
    module: mock
    pin: 1
    interrupt: rising
  - name: mock2
    module: mock
    pin: "2"
    interrupt: falling
    interrupt_for: [mock1]
digital_outputs:
  - name: relay
    module: mock
    pin: 3
    timed_set_ms: 500
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "home/io", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.True(t, strings.HasPrefix(cfg.MQTT.ClientID, "iogate-"))
	assert.Len(t, cfg.MQTT.ClientID, len("iogate-")+40)
	assert.Equal(t, byte(1), cfg.MQTT.QoSLevel())
	assert.Equal(t, "status", cfg.MQTT.StatusTopic)
	assert.Equal(t, 2*time.Second, cfg.MQTT.ReconnectDelay())
	assert.Nil(t, cfg.MQTT.ReconnectCount)

	in := cfg.DigitalInputs[0]
	assert.Equal(t, PinID("0"), in.Pin)
	assert.Equal(t, "ON", in.OnPayload)
	assert.Equal(t, "OFF", in.OffPayload)
	assert.Equal(t, 100*time.Millisecond, in.PollInterval())
	assert.True(t, cfg.DigitalInputs[2].PollsWhenInterruptFor())

	out := cfg.DigitalOutputs[0]
	assert.Equal(t, "low", out.Initial)
	assert.Equal(t, 500*time.Millisecond, out.TimedSet())

	assert.True(t, cfg.GPIOModules[0].CleanupEnabled())
	assert.Equal(t, 5*time.Second, cfg.Options.ShutdownTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_ExplicitZeroes(t *testing.T) {
	doc := baseConfig + `
sensor_modules:
  - name: sensors
    module: mock
sensor_inputs:
  - name: temp
    module: sensors
    digits: 0
`
	doc = strings.Replace(doc, "  topic_prefix: home/io/\n", "  topic_prefix: home/io/\n  qos: 0\n", 1)
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, byte(0), cfg.MQTT.QoSLevel())
	assert.Equal(t, 0, cfg.SensorInputs[0].Precision())
	assert.Equal(t, time.Minute, cfg.SensorInputs[0].Interval())
}

func TestValidate_InterruptFor(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		wantMsg string
	}{
		{
			name:    "target without interrupt",
			replace: [2]string{"interrupt_for: [mock1]", "interrupt_for: [mock0]"},
			wantMsg: `"mock0" must have interrupt set`,
		},
		{
			name:    "self reference",
			replace: [2]string{"interrupt_for: [mock1]", "interrupt_for: [mock2]"},
			wantMsg: "cannot be a remote interrupt for itself",
		},
		{
			name:    "unknown target",
			replace: [2]string{"interrupt_for: [mock1]", "interrupt_for: [nope]"},
			wantMsg: `unknown digital input "nope"`,
		},
		{
			name:    "source without interrupt",
			replace: [2]string{"    interrupt: falling\n", ""},
			wantMsg: "interrupt_for requires interrupt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(baseConfig, tt.replace[0], tt.replace[1], 1)
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_References(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantMsg string
	}{
		{
			name: "duplicate output name",
			extra: `  - name: relay
    module: mock
    pin: 9
`,
			wantMsg: `duplicate name "relay"`,
		},
		{
			name: "unknown module",
			extra: `  - name: other
    module: missing
    pin: 1
`,
			wantMsg: `unknown gpio module "missing"`,
		},
		{
			name: "pin reused",
			extra: `  - name: other
    module: mock
    pin: 0
`,
			wantMsg: `already used by "mock0"`,
		},
		{
			name: "bad initial",
			extra: `  - name: other
    module: mock
    pin: 7
    initial: medium
`,
			wantMsg: "initial must be one of: high low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(baseConfig + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	doc := `
mqtt:
  port: 70000
gpio_modules:
  - name: unused
    module: mock
digital_inputs:
  - name: a
    module: mock
    pin: 1
    pullup: true
    pulldown: true
    interrupt: sideways
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "mqtt.host: host is required")
	assert.Contains(t, msg, "mqtt.port: port must be at most 65535")
	assert.Contains(t, msg, "digital_inputs[0].interrupt: interrupt must be one of")
	assert.Contains(t, msg, "mutually exclusive")
	assert.Contains(t, msg, `gpio module "unused" has no digital inputs or outputs`)
}

func TestValidate_OptionalSections(t *testing.T) {
	doc := baseConfig + `
api:
  enabled: true
  jwt_secret: short
journal:
  enabled: true
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret must be at least 32 characters")
	assert.Contains(t, err.Error(), "admin_password_hash is required")
	assert.Contains(t, err.Error(), "dsn is required")
}

func TestParse_PollIntervalSeconds(t *testing.T) {
	doc := strings.Replace(baseConfig, "    pin: 0\n", "    pin: 0\n    poll_interval: 0.25\n", 1)
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.DigitalInputs[0].PollInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.DigitalInputs[1].PollInterval())
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	doc := strings.Replace(baseConfig, "    pin: 0\n", "    pin: 0\n    poll_interval_ms: 10\n", 1)
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval_ms")

	_, err = Parse([]byte(baseConfig + "mqqt:\n  host: typo\n"))
	assert.ErrorContains(t, err, "mqqt")

	// module entries carry driver options inline
	cfg, err := Parse([]byte(strings.Replace(baseConfig, "flags: [software_callback]", "flags: [software_callback]\n    chip_address: 32", 1)))
	require.NoError(t, err)
	assert.Len(t, cfg.GPIOModules, 1)
}

func TestAccessors_OnReturnedValues(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig + `
stream_modules:
  - name: rs485
    module: mock
`))
	require.NoError(t, err)
	stream := func() StreamModule { return cfg.StreamModules[0] }
	input := func() DigitalInput { return cfg.DigitalInputs[0] }

	assert.Equal(t, 100*time.Millisecond, stream().ReadInterval())
	assert.True(t, stream().CleanupEnabled())
	assert.Equal(t, 100*time.Millisecond, input().PollInterval())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0o600))

	t.Setenv("IOGATE_MQTT_HOST", "override.local")
	t.Setenv("IOGATE_MQTT_PORT", "8883")
	t.Setenv("IOGATE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override.local", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOptions_Decode(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	require.NoError(t, err)

	var opts struct {
		Flags []string `yaml:"flags"`
		Chip  string   `yaml:"chip"`
	}
	require.NoError(t, cfg.GPIOModules[0].Options.Decode(&opts))
	assert.Equal(t, []string{"software_callback"}, opts.Flags)

	var strict struct {
		Device string `yaml:"device" validate:"required"`
	}
	err = NewOptions(map[string]any{"baud": 9600}).Decode(&strict)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device is required")

	require.NoError(t, NewOptions(map[string]any{"device": "/dev/ttyS0"}).Decode(&strict))
	assert.Equal(t, "/dev/ttyS0", strict.Device)
}

func TestPinID(t *testing.T) {
	n, err := PinID("17").Int()
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	_, err = PinID("GPIO17").Int()
	assert.Error(t, err)

	_, err = Parse([]byte(strings.Replace(baseConfig, "pin: 3", "pin: [3]", 1)))
	assert.Error(t, err)
}

func TestDumpExampleConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DumpExampleConfig(&buf))

	cfg, err := Parse(buf.Bytes())
	require.NoError(t, err, buf.String())
	assert.Len(t, cfg.DigitalInputs, 2)
	assert.Equal(t, "home/iogate", cfg.MQTT.TopicPrefix)

	var opts struct {
		Type string `yaml:"type"`
	}
	require.NoError(t, cfg.SensorInputs[0].Options.Decode(&opts))
	assert.Equal(t, "temperature", opts.Type)
}
