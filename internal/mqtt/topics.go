package mqtt

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	InputTopic  = "input"
	OutputTopic = "output"
	SensorTopic = "sensor"
	StreamTopic = "stream"

	SetSuffix      = "set"
	SetOnMSSuffix  = "set_on_ms"
	SetOffMSSuffix = "set_off_ms"
	SendSuffix     = "send"
)

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	return t.Prefix + "/" + strings.Join(parts, "/")
}

func (t Topics) Input(name string) string {
	return t.join(InputTopic, name)
}

func (t Topics) Output(name string) string {
	return t.join(OutputTopic, name)
}

func (t Topics) Sensor(name string) string {
	return t.join(SensorTopic, name)
}

func (t Topics) Stream(name string) string {
	return t.join(StreamTopic, name)
}

// OutputCommand returns the topic for one of the output suffixes.
func (t Topics) OutputCommand(name, suffix string) string {
	return t.join(OutputTopic, name, suffix)
}

func (t Topics) StreamSend(name string) string {
	return t.join(StreamTopic, name, SendSuffix)
}

// Status returns the availability topic.
func (t Topics) Status(statusTopic string) string {
	return t.join(statusTopic)
}

// Subscriptions lists every command topic for the given outputs and streams.
func (t Topics) Subscriptions(outputs, streams []string) []string {
	var topics []string
	for _, name := range outputs {
		for _, suffix := range []string{SetSuffix, SetOnMSSuffix, SetOffMSSuffix} {
			topics = append(topics, t.OutputCommand(name, suffix))
		}
	}
	for _, name := range streams {
		topics = append(topics, t.StreamSend(name))
	}
	return topics
}

// NameFromTopic extracts the item name from "{prefix}/{kind}/{name}/{suffix}".
func NameFromTopic(topic, prefix, kind string) (string, error) {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "/" + regexp.QuoteMeta(kind) + "/(.+?)/.+$")
	m := re.FindStringSubmatch(topic)
	if m == nil {
		return "", fmt.Errorf("topic %q does not adhere to expected structure", topic)
	}
	return m[1], nil
}
