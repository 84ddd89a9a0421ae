// Package sensor defines the contract sensor drivers implement and the
// per-module handle the sensor poller reads through.
package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/worker"
)

// Driver is implemented by every sensor module. One module may serve several
// sensor inputs, each identified by its config entry.
type Driver interface {
	SetupSensor(cfg config.SensorInput) error
	// GetValue returns nil when the sensor has no reading yet.
	GetValue(cfg config.SensorInput) (*float64, error)
	Cleanup() error
}

type Factory func(cfg config.ModuleConfig) (Driver, error)

var ErrUnknownModule = registry.ErrNotFound

var drivers = registry.New[Factory]("sensor")

func Register(name string, factory Factory, schema registry.Schema) {
	drivers.Register(name, factory, schema)
}

// CheckModule resolves cfg.Module and decodes its options against the
// registered schema. The driver is not constructed.
func CheckModule(cfg config.ModuleConfig) error {
	schema, err := drivers.Schema(cfg.Module)
	if err != nil {
		return err
	}
	if schema.Module == nil {
		return nil
	}
	if err := cfg.Options.Decode(schema.Module()); err != nil {
		return fmt.Errorf("sensor module %q: %w", cfg.Name, err)
	}
	return nil
}

// CheckInput decodes the per-input keys of in against the schema of the
// driver behind module.
func CheckInput(module config.ModuleConfig, in config.SensorInput) error {
	schema, err := drivers.Schema(module.Module)
	if err != nil {
		return err
	}
	if schema.Input == nil {
		return nil
	}
	if err := in.Options.Decode(schema.Input()); err != nil {
		return fmt.Errorf("sensor input %q: %w", in.Name, err)
	}
	return nil
}

func Drivers() []string {
	return drivers.List()
}

// NewDriver instantiates the driver named by cfg.Module.
func NewDriver(cfg config.ModuleConfig) (Driver, error) {
	factory, err := drivers.Get(cfg.Module)
	if err != nil {
		return nil, err
	}
	driver, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("sensor module %q: %w", cfg.Name, err)
	}
	return driver, nil
}

// Module wraps a sensor driver so that every call goes through the worker
// pool.
type Module struct {
	name    string
	cleanup bool
	driver  Driver
	pool    *worker.Pool
	logger  *slog.Logger
}

func NewModule(cfg config.ModuleConfig, driver Driver, pool *worker.Pool, logger *slog.Logger) *Module {
	return &Module{
		name:    cfg.Name,
		cleanup: cfg.CleanupEnabled(),
		driver:  driver,
		pool:    pool,
		logger:  logger.With("component", "sensor", "module", cfg.Name),
	}
}

// Open looks up the driver registered for cfg.Module and wraps it.
func Open(cfg config.ModuleConfig, pool *worker.Pool, logger *slog.Logger) (*Module, error) {
	driver, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	return NewModule(cfg, driver, pool, logger), nil
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) SetupSensor(ctx context.Context, cfg config.SensorInput) error {
	if err := m.pool.Do(ctx, func() error { return m.driver.SetupSensor(cfg) }); err != nil {
		return fmt.Errorf("setup sensor %q: %w", cfg.Name, err)
	}
	return nil
}

func (m *Module) GetValue(ctx context.Context, cfg config.SensorInput) (*float64, error) {
	return worker.Call(ctx, m.pool, func() (*float64, error) { return m.driver.GetValue(cfg) })
}

// Cleanup releases the driver unless cleanup was disabled in config.
func (m *Module) Cleanup() error {
	if !m.cleanup {
		return nil
	}
	return m.driver.Cleanup()
}
