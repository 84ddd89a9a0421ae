// Package stream defines the contract byte-stream drivers (serial ports and
// the like) implement, and the handle the stream pump uses.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/worker"
)

// Driver is implemented by every stream module.
type Driver interface {
	// Read returns whatever bytes are available. nil or empty means nothing
	// was read.
	Read() ([]byte, error)
	Write(data []byte) error
	Cleanup() error
}

type Factory func(cfg config.StreamModule) (Driver, error)

var ErrUnknownModule = registry.ErrNotFound

var drivers = registry.New[Factory]("stream")

func Register(name string, factory Factory, schema registry.Schema) {
	drivers.Register(name, factory, schema)
}

// CheckModule resolves cfg.Module and decodes its options against the
// registered schema. The driver is not constructed.
func CheckModule(cfg config.StreamModule) error {
	schema, err := drivers.Schema(cfg.Module)
	if err != nil {
		return err
	}
	if schema.Module == nil {
		return nil
	}
	if err := cfg.Options.Decode(schema.Module()); err != nil {
		return fmt.Errorf("stream module %q: %w", cfg.Name, err)
	}
	return nil
}

func Drivers() []string {
	return drivers.List()
}

func NewDriver(cfg config.StreamModule) (Driver, error) {
	factory, err := drivers.Get(cfg.Module)
	if err != nil {
		return nil, err
	}
	driver, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream module %q: %w", cfg.Name, err)
	}
	return driver, nil
}

// Module is one configured stream with its driver.
type Module struct {
	cfg    config.StreamModule
	driver Driver
	pool   *worker.Pool
	logger *slog.Logger
}

func NewModule(cfg config.StreamModule, driver Driver, pool *worker.Pool, logger *slog.Logger) *Module {
	return &Module{
		cfg:    cfg,
		driver: driver,
		pool:   pool,
		logger: logger.With("component", "stream", "module", cfg.Name),
	}
}

func Open(cfg config.StreamModule, pool *worker.Pool, logger *slog.Logger) (*Module, error) {
	driver, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	return NewModule(cfg, driver, pool, logger), nil
}

func (m *Module) Name() string {
	return m.cfg.Name
}

func (m *Module) Config() config.StreamModule {
	return m.cfg
}

func (m *Module) Read(ctx context.Context) ([]byte, error) {
	return worker.Call(ctx, m.pool, m.driver.Read)
}

func (m *Module) Write(ctx context.Context, data []byte) error {
	return m.pool.Do(ctx, func() error { return m.driver.Write(data) })
}

func (m *Module) Cleanup() error {
	if !m.cfg.CleanupEnabled() {
		return nil
	}
	return m.driver.Cleanup()
}
