// Package mockgpio is an in-memory GPIO driver. It records every driver call
// and lets tests drive input levels, interrupt registers and callbacks.
package mockgpio

import (
	"fmt"
	"sync"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/registry"
)

func init() {
	gpio.Register("mock", func(cfg config.ModuleConfig) (gpio.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		return New(ParseFlags(opts.Flags...)), nil
	}, registry.Schema{Module: func() any { return new(Options) }})
}

// Options are the module specific config keys.
type Options struct {
	Flags []string `yaml:"flags" validate:"dive,oneof=software_callback flag_register capture_register interrupt_pin set_triggers"`
}

// ParseFlags converts config flag names into a support set. Unknown names
// are ignored; Options validation rejects them earlier.
func ParseFlags(names ...string) gpio.InterruptSupport {
	var s gpio.InterruptSupport
	for _, n := range names {
		switch n {
		case "software_callback":
			s |= gpio.SupportSoftwareCallback
		case "flag_register":
			s |= gpio.SupportFlagRegister
		case "capture_register":
			s |= gpio.SupportCaptureRegister
		case "interrupt_pin":
			s |= gpio.SupportInterruptPin
		case "set_triggers":
			s |= gpio.SupportSetTriggers
		}
	}
	return s
}

// Call is one recorded driver invocation.
type Call struct {
	Op    string
	Pin   config.PinID
	Value bool
}

type pin struct {
	setup    gpio.PinSetup
	value    bool
	edge     gpio.Edge
	callback gpio.InterruptFunc
}

// Driver implements gpio.Driver and all optional interrupt interfaces.
type Driver struct {
	support gpio.InterruptSupport

	mu       sync.Mutex
	pins     map[config.PinID]*pin
	flagged  []config.PinID
	captured map[config.PinID]bool
	calls    []Call
	cleaned  bool
	getErr   error
}

var (
	_ gpio.Driver              = (*Driver)(nil)
	_ gpio.CallbackInterrupter = (*Driver)(nil)
	_ gpio.Interrupter         = (*Driver)(nil)
	_ gpio.FlagRegister        = (*Driver)(nil)
	_ gpio.CaptureRegister     = (*Driver)(nil)
)

// New creates a mock driver advertising support.
func New(support gpio.InterruptSupport) *Driver {
	return &Driver{
		support:  support,
		pins:     make(map[config.PinID]*pin),
		captured: make(map[config.PinID]bool),
	}
}

func (d *Driver) pin(id config.PinID) *pin {
	p, ok := d.pins[id]
	if !ok {
		p = &pin{}
		d.pins[id] = p
	}
	return p
}

func (d *Driver) record(op string, id config.PinID, value bool) {
	d.calls = append(d.calls, Call{Op: op, Pin: id, Value: value})
}

func (d *Driver) SetupPin(s gpio.PinSetup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pin(s.Pin)
	p.setup = s
	if s.Direction == gpio.Output {
		p.value = s.Initial
	}
	d.record("setup", s.Pin, s.Initial)
	return nil
}

func (d *Driver) SetPin(id config.PinID, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pin(id).value = value
	d.record("set", id, value)
	return nil
}

func (d *Driver) GetPin(id config.PinID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return false, d.getErr
	}
	return d.pin(id).value, nil
}

func (d *Driver) Support() gpio.InterruptSupport {
	return d.support
}

func (d *Driver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = true
	return nil
}

func (d *Driver) SetupInterruptCallback(id config.PinID, edge gpio.Edge, fn gpio.InterruptFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pin(id)
	p.edge = edge
	p.callback = fn
	d.record("interrupt", id, false)
	return nil
}

func (d *Driver) SetupInterrupt(id config.PinID, edge gpio.Edge) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pin(id).edge = edge
	d.record("interrupt", id, false)
	return nil
}

func (d *Driver) GetIntPins() ([]config.PinID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]config.PinID(nil), d.flagged...), nil
}

func (d *Driver) GetCapturedIntPinValues(pins []config.PinID) (map[config.PinID]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[config.PinID]bool, len(pins))
	for _, p := range pins {
		if v, ok := d.captured[p]; ok {
			out[p] = v
		}
	}
	return out, nil
}

// SetValue changes the level an input reads, as if driven externally.
func (d *Driver) SetValue(id config.PinID, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pin(id).value = value
}

// Value returns the current level of a pin.
func (d *Driver) Value(id config.PinID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pin(id).value
}

// SetFlagged sets what the interrupt flag register reports.
func (d *Driver) SetFlagged(pins ...config.PinID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flagged = pins
}

// SetCaptured sets what the capture register reports for a pin.
func (d *Driver) SetCaptured(id config.PinID, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captured[id] = value
}

// FailReads makes GetPin return err until called again with nil.
func (d *Driver) FailReads(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getErr = err
}

// Trigger fires the interrupt callback registered for pin from a separate
// goroutine, the way a hardware library's event thread would.
func (d *Driver) Trigger(id config.PinID) error {
	d.mu.Lock()
	p, ok := d.pins[id]
	var cb gpio.InterruptFunc
	if ok {
		cb = p.callback
	}
	d.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("no interrupt callback registered for pin %s", id)
	}
	go cb(id)
	return nil
}

// Calls returns recorded calls, optionally filtered by op.
func (d *Driver) Calls(op string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Cleaned reports whether Cleanup was called.
func (d *Driver) Cleaned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleaned
}
