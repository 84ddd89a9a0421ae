package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iogate/iogate/internal/eventbus"
)

// Record kinds, one per event type.
const (
	KindInput      = "input"
	KindOutput     = "output"
	KindSensor     = "sensor"
	KindStreamRead = "stream_read"
	KindStreamSent = "stream_sent"
)

// Record is one journal row.
type Record struct {
	ID    uuid.UUID
	Kind  string
	Name  string
	Value json.RawMessage
	At    time.Time
}

type inputValue struct {
	From *bool `json:"from"`
	To   bool  `json:"to"`
}

type outputValue struct {
	To bool `json:"to"`
}

type sensorValue struct {
	Value float64 `json:"value"`
}

type streamValue struct {
	Size int    `json:"size"`
	Data []byte `json:"data"`
}

// RecordOf converts a bus event into a record stamped with at. Stream data
// is stored base64 encoded.
func RecordOf(event any, at time.Time) (Record, error) {
	var (
		kind, name string
		value      any
	)
	switch ev := event.(type) {
	case eventbus.InputChanged:
		kind, name, value = KindInput, ev.Name, inputValue{From: ev.From, To: ev.To}
	case eventbus.OutputChanged:
		kind, name, value = KindOutput, ev.Name, outputValue{To: ev.To}
	case eventbus.SensorRead:
		kind, name, value = KindSensor, ev.Name, sensorValue{Value: ev.Value}
	case eventbus.StreamDataRead:
		kind, name, value = KindStreamRead, ev.Name, streamValue{Size: len(ev.Data), Data: ev.Data}
	case eventbus.StreamDataSent:
		kind, name, value = KindStreamSent, ev.Name, streamValue{Size: len(ev.Data), Data: ev.Data}
	default:
		return Record{}, fmt.Errorf("unsupported event %T", event)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s value: %w", kind, err)
	}
	return Record{
		ID:    uuid.New(),
		Kind:  kind,
		Name:  name,
		Value: raw,
		At:    at.UTC(),
	}, nil
}
