// Package shtc3 reads temperature and relative humidity from a Sensirion
// SHTC3 on a Linux I2C bus.
package shtc3

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers/shtc3"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/sensor"
)

func init() {
	sensor.Register("shtc3", func(cfg config.ModuleConfig) (sensor.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("init periph host: %w", err)
		}
		bus, err := i2creg.Open(opts.Bus)
		if err != nil {
			return nil, fmt.Errorf("open i2c bus %q: %w", opts.Bus, err)
		}
		return New(bus), nil
	}, registry.Schema{
		Module: func() any { return new(Options) },
		Input:  func() any { return new(InputOptions) },
	})
}

type Options struct {
	// Bus is the periph bus name; empty selects the first bus found.
	Bus string `yaml:"i2c_bus"`
}

// InputOptions are the per sensor input keys.
type InputOptions struct {
	Type string `yaml:"type" validate:"required,oneof=temperature humidity"`
}

// Driver holds one SHTC3. The chip is woken for each measurement and put
// back to sleep afterwards.
type Driver struct {
	mu     sync.Mutex
	bus    i2c.Bus
	closer func() error
	dev    shtc3.Device
	types  map[string]string
}

var _ sensor.Driver = (*Driver)(nil)

// New wraps bus. If bus also implements io.Closer style Close it is closed
// by Cleanup.
func New(bus i2c.Bus) *Driver {
	d := &Driver{
		bus:   bus,
		dev:   shtc3.New(bus),
		types: make(map[string]string),
	}
	if c, ok := bus.(interface{ Close() error }); ok {
		d.closer = c.Close
	}
	return d
}

func (d *Driver) SetupSensor(cfg config.SensorInput) error {
	var opts InputOptions
	if err := cfg.Options.Decode(&opts); err != nil {
		return err
	}
	d.mu.Lock()
	d.types[cfg.Name] = opts.Type
	d.mu.Unlock()
	return nil
}

func (d *Driver) GetValue(cfg config.SensorInput) (*float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind, ok := d.types[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("sensor %q was not set up", cfg.Name)
	}

	if err := d.dev.WakeUp(); err != nil {
		return nil, fmt.Errorf("wake shtc3: %w", err)
	}
	defer func() { _ = d.dev.Sleep() }()

	milliC, rhx100, err := d.dev.ReadTemperatureHumidity()
	if err != nil {
		return nil, fmt.Errorf("read shtc3: %w", err)
	}

	var v float64
	if kind == "humidity" {
		v = float64(rhx100) / 100
	} else {
		v = float64(milliC) / 1000
	}
	return &v, nil
}

func (d *Driver) Cleanup() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}
