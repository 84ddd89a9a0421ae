package eventbus

import "fmt"

// InputChanged is fired when a digital input is observed at a new level.
// From is nil when the previous level is unknown (first poll, or a value
// attributed by an interrupt).
type InputChanged struct {
	Name string
	From *bool
	To   bool
}

// OutputChanged is fired after a digital output was driven to a new
// logical value.
type OutputChanged struct {
	Name string
	To   bool
}

// SensorRead is fired with a rounded sensor value.
type SensorRead struct {
	Name  string
	Value float64
}

// StreamDataRead carries bytes read from a stream module.
type StreamDataRead struct {
	Name string
	Data []byte
}

// StreamDataSent is fired after bytes were written to a stream module.
type StreamDataSent struct {
	Name string
	Data []byte
}

// String returns a formatted string for an InputChanged event.
func (e InputChanged) String() string {
	from := "unknown"
	if e.From != nil {
		from = fmt.Sprint(*e.From)
	}
	return fmt.Sprintf("InputChanged{Name: %s, From: %s, To: %t}", e.Name, from, e.To)
}

// String returns a formatted string for an OutputChanged event.
func (e OutputChanged) String() string {
	return fmt.Sprintf("OutputChanged{Name: %s, To: %t}", e.Name, e.To)
}

// String returns a formatted string for a SensorRead event.
func (e SensorRead) String() string {
	return fmt.Sprintf("SensorRead{Name: %s, Value: %v}", e.Name, e.Value)
}

func (e StreamDataRead) String() string {
	return fmt.Sprintf("StreamDataRead{Name: %s, Bytes: %d}", e.Name, len(e.Data))
}

func (e StreamDataSent) String() string {
	return fmt.Sprintf("StreamDataSent{Name: %s, Bytes: %d}", e.Name, len(e.Data))
}

// Bool returns a pointer to v, for building InputChanged.From.
func Bool(v bool) *bool {
	return &v
}
