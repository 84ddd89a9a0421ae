package mqtt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iogate/iogate/internal/mqtt"
)

func TestTopics(t *testing.T) {
	tp := mqtt.Topics{Prefix: "home/gw"}

	assert.Equal(t, "home/gw/input/door", tp.Input("door"))
	assert.Equal(t, "home/gw/output/relay", tp.Output("relay"))
	assert.Equal(t, "home/gw/sensor/temp", tp.Sensor("temp"))
	assert.Equal(t, "home/gw/stream/uart", tp.Stream("uart"))
	assert.Equal(t, "home/gw/output/relay/set_on_ms", tp.OutputCommand("relay", mqtt.SetOnMSSuffix))
	assert.Equal(t, "home/gw/stream/uart/send", tp.StreamSend("uart"))
	assert.Equal(t, "home/gw/status", tp.Status("status"))

	assert.Equal(t, []string{
		"home/gw/output/relay/set",
		"home/gw/output/relay/set_on_ms",
		"home/gw/output/relay/set_off_ms",
		"home/gw/stream/uart/send",
	}, tp.Subscriptions([]string{"relay"}, []string{"uart"}))
}

func TestNameFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		prefix  string
		kind    string
		want    string
		wantErr bool
	}{
		{"home/output/relay/set", "home", mqtt.OutputTopic, "relay", false},
		{"a.b/output/relay/set_off_ms", "a.b", mqtt.OutputTopic, "relay", false},
		{"home/stream/uart/send", "home", mqtt.StreamTopic, "uart", false},
		{"axb/output/relay/set", "a.b", mqtt.OutputTopic, "", true},
		{"home/output/relay", "home", mqtt.OutputTopic, "", true},
		{"other/output/relay/set", "home", mqtt.OutputTopic, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := mqtt.NameFromTopic(tt.topic, tt.prefix, tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
