// Package gpio defines the capability contract digital I/O drivers implement
// and the per-module handle the coordinators use to talk to them.
//
// Every driver implements Driver. Interrupt capabilities differ per chip and
// in combination, so a driver advertises them as an InterruptSupport bit set
// and implements the optional interface that goes with each bit. Callers test
// the bit first and only then the interface.
package gpio

import (
	"fmt"
	"strings"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
)

type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

type Pull int

const (
	PullOff Pull = iota
	PullUp
	PullDown
)

type Edge int

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// ParseEdge converts the config value of an input's interrupt key.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(s) {
	case "":
		return EdgeNone, nil
	case "rising":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	case "both":
		return EdgeBoth, nil
	}
	return EdgeNone, fmt.Errorf("unknown interrupt edge %q", s)
}

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	}
	return "none"
}

// InterruptSupport is the set of interrupt features a driver offers.
type InterruptSupport uint8

const (
	SupportNone InterruptSupport = 0

	// SupportSoftwareCallback: the driver calls back into the gateway when an
	// edge is detected. Requires CallbackInterrupter.
	SupportSoftwareCallback InterruptSupport = 1 << iota
	// SupportFlagRegister: the chip latches which pins caused the interrupt.
	// Requires FlagRegister.
	SupportFlagRegister
	// SupportCaptureRegister: the chip latches pin values at interrupt time.
	// Requires CaptureRegister.
	SupportCaptureRegister
	// SupportInterruptPin: the chip drives an interrupt output line that is
	// wired to another module's input.
	SupportInterruptPin
	// SupportSetTriggers: edges are configurable per pin. Requires Interrupter.
	SupportSetTriggers
)

// Has reports whether every bit of f is set.
func (s InterruptSupport) Has(f InterruptSupport) bool {
	return s&f == f
}

// InterruptFunc is handed to drivers with SupportSoftwareCallback. Drivers
// may call it from any goroutine.
type InterruptFunc func(pin config.PinID)

// PinSetup is everything a driver needs to configure one pin.
type PinSetup struct {
	Name      string
	Pin       config.PinID
	Direction Direction
	Pull      Pull
	// Edge is EdgeNone unless the input is an interrupt source.
	Edge Edge
	// Initial is the physical level an output is driven to at setup.
	Initial bool
}

// Driver is implemented by every GPIO module.
type Driver interface {
	SetupPin(p PinSetup) error
	SetPin(pin config.PinID, value bool) error
	GetPin(pin config.PinID) (bool, error)
	Support() InterruptSupport
	Cleanup() error
}

// CallbackInterrupter arms an edge detector that invokes fn.
type CallbackInterrupter interface {
	SetupInterruptCallback(pin config.PinID, edge Edge, fn InterruptFunc) error
}

// Interrupter arms an edge detector without a software callback. The chip
// signals through its interrupt line instead.
type Interrupter interface {
	SetupInterrupt(pin config.PinID, edge Edge) error
}

// FlagRegister reads the chip's interrupt flag register.
type FlagRegister interface {
	GetIntPins() ([]config.PinID, error)
}

// CaptureRegister reads the values latched when the interrupt fired.
type CaptureRegister interface {
	GetCapturedIntPinValues(pins []config.PinID) (map[config.PinID]bool, error)
}

// InterruptValuer returns the value that caused an interrupt on pin, when it
// differs from simply reading the pin again.
type InterruptValuer interface {
	GetInterruptValue(pin config.PinID) (bool, error)
}

// Factory builds a driver from its module configuration. Implementations
// decode driver specific keys with cfg.Options.Decode.
type Factory func(cfg config.ModuleConfig) (Driver, error)

// ErrUnknownModule is returned when no driver is registered for a module name.
var ErrUnknownModule = registry.ErrNotFound

var drivers = registry.New[Factory]("gpio")

// Register makes a driver available under name. Drivers call it from init.
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
		return fmt.Errorf("gpio module %q: %w", cfg.Name, err)
	}
	return nil
}

// Drivers lists the registered driver names.
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
		return nil, fmt.Errorf("gpio module %q: %w", cfg.Name, err)
	}
	return driver, nil
}
