// Package mocksensor is a scripted sensor driver for tests and demos.
package mocksensor

import (
	"errors"
	"sync"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/sensor"
)

func init() {
	sensor.Register("mock", func(cfg config.ModuleConfig) (sensor.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		d := New()
		for name, v := range opts.Values {
			d.Set(name, v)
		}
		return d, nil
	}, registry.Schema{Module: func() any { return new(Options) }})
}

// Options seeds fixed readings per sensor input name.
type Options struct {
	Values map[string]float64 `yaml:"values"`
}

// Reading is one scripted result. A nil Value with a nil Err means the
// sensor has nothing to report yet.
type Reading struct {
	Value *float64
	Err   error
}

// Driver returns queued readings first and then the last fixed value.
type Driver struct {
	mu      sync.Mutex
	fixed   map[string]float64
	queued  map[string][]Reading
	setup   []string
	reads   map[string]int
	cleaned bool
}

var _ sensor.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		fixed:  make(map[string]float64),
		queued: make(map[string][]Reading),
		reads:  make(map[string]int),
	}
}

// Set makes every following read of name return v.
func (d *Driver) Set(name string, v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixed[name] = v
}

// Queue appends readings returned before the fixed value.
func (d *Driver) Queue(name string, readings ...Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued[name] = append(d.queued[name], readings...)
}

func (d *Driver) SetupSensor(cfg config.SensorInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setup = append(d.setup, cfg.Name)
	return nil
}

func (d *Driver) GetValue(cfg config.SensorInput) (*float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[cfg.Name]++

	if q := d.queued[cfg.Name]; len(q) > 0 {
		d.queued[cfg.Name] = q[1:]
		return q[0].Value, q[0].Err
	}
	v, ok := d.fixed[cfg.Name]
	if !ok {
		return nil, errors.New("no value scripted")
	}
	return &v, nil
}

func (d *Driver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = true
	return nil
}

// Reads returns how many times name was read.
func (d *Driver) Reads(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[name]
}

// SetupCalls returns the sensor names passed to SetupSensor.
func (d *Driver) SetupCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.setup...)
}

func (d *Driver) Cleaned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleaned
}

// Float is a helper for building Readings.
func Float(v float64) *float64 {
	return &v
}
