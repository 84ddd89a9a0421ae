// Package periphgpio drives the host's own GPIO lines through periph.io.
//
// Edge callbacks are emulated with one goroutine per armed pin blocking in
// WaitForEdge; the callback therefore runs on that goroutine, not on the
// gateway's.
package periphgpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/iogate/iogate/internal/config"
	iogpio "github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/registry"
)

func init() {
	iogpio.Register("periph", func(cfg config.ModuleConfig) (iogpio.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("init periph host: %w", err)
		}
		return New(gpioreg.ByName, opts.EdgeTimeout()), nil
	}, registry.Schema{Module: func() any { return new(Options) }})
}

type Options struct {
	// EdgeTimeoutMS bounds each WaitForEdge call so watchers notice Cleanup.
	EdgeTimeoutMS int `yaml:"edge_timeout_ms" validate:"gte=0"`
}

func (o Options) EdgeTimeout() time.Duration {
	if o.EdgeTimeoutMS == 0 {
		return time.Second
	}
	return time.Duration(o.EdgeTimeoutMS) * time.Millisecond
}

// Lookup resolves a pin name ("GPIO17", "17") to a periph pin.
type Lookup func(name string) gpio.PinIO

type line struct {
	pin  gpio.PinIO
	pull gpio.Pull
}

type Driver struct {
	lookup      Lookup
	edgeTimeout time.Duration

	mu    sync.Mutex
	lines map[config.PinID]*line
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

var (
	_ iogpio.Driver              = (*Driver)(nil)
	_ iogpio.CallbackInterrupter = (*Driver)(nil)
	_ iogpio.Interrupter         = (*Driver)(nil)
)

func New(lookup Lookup, edgeTimeout time.Duration) *Driver {
	return &Driver{
		lookup:      lookup,
		edgeTimeout: edgeTimeout,
		lines:       make(map[config.PinID]*line),
		done:        make(chan struct{}),
	}
}

func pullOf(p iogpio.Pull) gpio.Pull {
	switch p {
	case iogpio.PullUp:
		return gpio.PullUp
	case iogpio.PullDown:
		return gpio.PullDown
	}
	return gpio.Float
}

func edgeOf(e iogpio.Edge) gpio.Edge {
	switch e {
	case iogpio.EdgeRising:
		return gpio.RisingEdge
	case iogpio.EdgeFalling:
		return gpio.FallingEdge
	case iogpio.EdgeBoth:
		return gpio.BothEdges
	}
	return gpio.NoEdge
}

func (d *Driver) line(pin config.PinID) (*line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[pin]
	if !ok {
		return nil, fmt.Errorf("pin %s was not set up", pin)
	}
	return l, nil
}

func (d *Driver) SetupPin(s iogpio.PinSetup) error {
	p := d.lookup(string(s.Pin))
	if p == nil {
		return fmt.Errorf("no such gpio line %q", s.Pin)
	}

	l := &line{pin: p, pull: pullOf(s.Pull)}
	var err error
	if s.Direction == iogpio.Output {
		err = p.Out(gpio.Level(s.Initial))
	} else {
		err = p.In(l.pull, edgeOf(s.Edge))
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lines[s.Pin] = l
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetPin(pin config.PinID, value bool) error {
	l, err := d.line(pin)
	if err != nil {
		return err
	}
	return l.pin.Out(gpio.Level(value))
}

func (d *Driver) GetPin(pin config.PinID) (bool, error) {
	l, err := d.line(pin)
	if err != nil {
		return false, err
	}
	return bool(l.pin.Read()), nil
}

func (d *Driver) Support() iogpio.InterruptSupport {
	return iogpio.SupportSoftwareCallback | iogpio.SupportSetTriggers
}

func (d *Driver) SetupInterrupt(pin config.PinID, edge iogpio.Edge) error {
	l, err := d.line(pin)
	if err != nil {
		return err
	}
	return l.pin.In(l.pull, edgeOf(edge))
}

// SetupInterruptCallback arms edge detection and starts a watcher calling fn
// for every detected edge until Cleanup.
func (d *Driver) SetupInterruptCallback(pin config.PinID, edge iogpio.Edge, fn iogpio.InterruptFunc) error {
	if err := d.SetupInterrupt(pin, edge); err != nil {
		return err
	}
	l, _ := d.line(pin)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.done:
				return
			default:
			}
			if l.pin.WaitForEdge(d.edgeTimeout) {
				fn(pin)
			}
		}
	}()
	return nil
}

func (d *Driver) Cleanup() error {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for id, l := range d.lines {
		if err := l.pin.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("halt pin %s: %w", id, err)
		}
	}
	return firstErr
}
