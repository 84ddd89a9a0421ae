package gpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/worker"
)

// ErrNoInterruptSupport is returned when an interrupt is requested from a
// driver that cannot provide one.
var ErrNoInterruptSupport = errors.New("driver has no interrupt support")

// Module is the handle for one configured GPIO module. It owns the pin
// configurations, so a raw callback that only knows a pin id can be resolved
// back to the logical input, and it routes every blocking driver call through
// the worker pool.
type Module struct {
	name    string
	cleanup bool
	driver  Driver
	pool    *worker.Pool
	logger  *slog.Logger

	mu   sync.RWMutex
	pins map[config.PinID]PinSetup
}

// NewModule wraps an instantiated driver.
func NewModule(cfg config.ModuleConfig, driver Driver, pool *worker.Pool, logger *slog.Logger) *Module {
	return &Module{
		name:    cfg.Name,
		cleanup: cfg.CleanupEnabled(),
		driver:  driver,
		pool:    pool,
		logger:  logger.With("component", "gpio", "module", cfg.Name),
		pins:    make(map[config.PinID]PinSetup),
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

func (m *Module) Driver() Driver {
	return m.driver
}

func (m *Module) Support() InterruptSupport {
	return m.driver.Support()
}

// SetupPin configures a pin on the driver and records its setup.
func (m *Module) SetupPin(ctx context.Context, p PinSetup) error {
	if err := m.pool.Do(ctx, func() error { return m.driver.SetupPin(p) }); err != nil {
		return fmt.Errorf("setup %s pin %s (%s): %w", p.Direction, p.Pin, p.Name, err)
	}
	m.mu.Lock()
	m.pins[p.Pin] = p
	m.mu.Unlock()
	return nil
}

// PinConfig returns the setup recorded for pin.
func (m *Module) PinConfig(pin config.PinID) (PinSetup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pins[pin]
	return p, ok
}

func (m *Module) SetPin(ctx context.Context, pin config.PinID, value bool) error {
	return m.pool.Do(ctx, func() error { return m.driver.SetPin(pin, value) })
}

func (m *Module) GetPin(ctx context.Context, pin config.PinID) (bool, error) {
	return worker.Call(ctx, m.pool, func() (bool, error) { return m.driver.GetPin(pin) })
}

// InterruptValue returns the value that triggered an interrupt on pin.
func (m *Module) InterruptValue(ctx context.Context, pin config.PinID) (bool, error) {
	if v, ok := m.driver.(InterruptValuer); ok {
		return worker.Call(ctx, m.pool, func() (bool, error) { return v.GetInterruptValue(pin) })
	}
	return m.GetPin(ctx, pin)
}

// SetupInterrupt arms an interrupt on pin. Drivers with
// SupportSoftwareCallback get fn; others only have their edge configured and
// report through a hardware interrupt line.
func (m *Module) SetupInterrupt(ctx context.Context, pin config.PinID, edge Edge, fn InterruptFunc) error {
	support := m.driver.Support()

	if support.Has(SupportSoftwareCallback) {
		ci, ok := m.driver.(CallbackInterrupter)
		if !ok {
			return fmt.Errorf("module %q advertises callbacks without SetupInterruptCallback: %w", m.name, ErrNoInterruptSupport)
		}
		return m.pool.Do(ctx, func() error { return ci.SetupInterruptCallback(pin, edge, fn) })
	}

	if it, ok := m.driver.(Interrupter); ok {
		return m.pool.Do(ctx, func() error { return it.SetupInterrupt(pin, edge) })
	}
	return fmt.Errorf("module %q pin %s: %w", m.name, pin, ErrNoInterruptSupport)
}

// RemoteInterruptValues fetches current values for the given interrupt pins
// after an interrupt was signalled by another module.
//
// With a flag register only the flagged pins are reported; with a capture
// register the latched values are used. Without either, every candidate is
// assumed to have fired: a "both" pin is read, a rising pin is reported high
// and a falling pin low.
func (m *Module) RemoteInterruptValues(ctx context.Context, pins []config.PinID) (map[config.PinID]bool, error) {
	support := m.driver.Support()
	candidates := pins

	if support.Has(SupportFlagRegister) {
		fr, ok := m.driver.(FlagRegister)
		if !ok {
			return nil, fmt.Errorf("module %q advertises a flag register without GetIntPins", m.name)
		}
		flagged, err := worker.Call(ctx, m.pool, fr.GetIntPins)
		if err != nil {
			return nil, fmt.Errorf("read interrupt flags: %w", err)
		}
		candidates = intersect(pins, flagged)
		if len(candidates) == 0 {
			m.logger.Warn("no configured pins flagged in interrupt register",
				"requested", pins,
				"flagged", flagged,
			)
			return map[config.PinID]bool{}, nil
		}
	}

	if support.Has(SupportCaptureRegister) {
		cr, ok := m.driver.(CaptureRegister)
		if !ok {
			return nil, fmt.Errorf("module %q advertises a capture register without GetCapturedIntPinValues", m.name)
		}
		return worker.Call(ctx, m.pool, func() (map[config.PinID]bool, error) {
			return cr.GetCapturedIntPinValues(candidates)
		})
	}

	values := make(map[config.PinID]bool, len(candidates))
	for _, pin := range candidates {
		setup, _ := m.PinConfig(pin)
		switch setup.Edge {
		case EdgeRising:
			values[pin] = true
		case EdgeFalling:
			values[pin] = false
		default:
			v, err := m.GetPin(ctx, pin)
			if err != nil {
				return nil, fmt.Errorf("read pin %s: %w", pin, err)
			}
			values[pin] = v
		}
	}
	return values, nil
}

func intersect(want, have []config.PinID) []config.PinID {
	set := make(map[config.PinID]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	var out []config.PinID
	for _, p := range want {
		if _, ok := set[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Cleanup releases the driver unless cleanup was disabled in config.
func (m *Module) Cleanup() error {
	if !m.cleanup {
		return nil
	}
	return m.driver.Cleanup()
}
