package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/tasks"
)

// IOState is the last known value of an input or output.
type IOState struct {
	Name      string    `json:"name"`
	Value     bool      `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SensorState struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State caches the latest value of every input, output and sensor as seen
// on the event bus.
type State struct {
	mu      sync.RWMutex
	inputs  map[string]IOState
	outputs map[string]IOState
	sensors map[string]SensorState
	now     func() time.Time
}

func NewState() *State {
	return &State{
		inputs:  make(map[string]IOState),
		outputs: make(map[string]IOState),
		sensors: make(map[string]SensorState),
		now:     time.Now,
	}
}

// Start subscribes the cache to the bus. The tasks run under sup.
func (s *State) Start(sup *tasks.Supervisor, bus *eventbus.Bus) error {
	if err := sup.Go("api state inputs", eventbus.Handle(bus, func(_ context.Context, ev eventbus.InputChanged) {
		s.mu.Lock()
		s.inputs[ev.Name] = IOState{Name: ev.Name, Value: ev.To, UpdatedAt: s.now()}
		s.mu.Unlock()
	})); err != nil {
		return err
	}
	if err := sup.Go("api state outputs", eventbus.Handle(bus, func(_ context.Context, ev eventbus.OutputChanged) {
		s.mu.Lock()
		s.outputs[ev.Name] = IOState{Name: ev.Name, Value: ev.To, UpdatedAt: s.now()}
		s.mu.Unlock()
	})); err != nil {
		return err
	}
	return sup.Go("api state sensors", eventbus.Handle(bus, func(_ context.Context, ev eventbus.SensorRead) {
		s.mu.Lock()
		s.sensors[ev.Name] = SensorState{Name: ev.Name, Value: ev.Value, UpdatedAt: s.now()}
		s.mu.Unlock()
	}))
}

func sorted[T any](m map[string]T) []T {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]T, 0, len(m))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

func (s *State) Inputs() []IOState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.inputs)
}

func (s *State) Outputs() []IOState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.outputs)
}

func (s *State) Sensors() []SensorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.sensors)
}
