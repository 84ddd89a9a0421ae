// Package input turns digital input levels into InputChanged events.
//
// Inputs are either polled or interrupt driven. An interrupt input may also
// be the interrupt line of other chips ("interrupt_for"); when it fires, the
// coordinator asks those chips which of their pins changed. Every interrupt
// source has an InterruptLock so a burst of callbacks resolves once.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/tasks"
)

// Coordinator owns every configured digital input.
type Coordinator struct {
	bus     *eventbus.Bus
	sup     *tasks.Supervisor
	logger  *slog.Logger
	modules map[string]*gpio.Module

	inputs map[string]config.DigitalInput
	order  []string
	edges  map[string]gpio.Edge
	locks  map[string]*InterruptLock

	running atomic.Bool
}

// New builds a coordinator. Configs must already be validated; New only
// rejects references it cannot resolve.
func New(bus *eventbus.Bus, sup *tasks.Supervisor, modules map[string]*gpio.Module, inputs []config.DigitalInput, logger *slog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		bus:     bus,
		sup:     sup,
		logger:  logger.With("component", "input"),
		modules: modules,
		inputs:  make(map[string]config.DigitalInput, len(inputs)),
		edges:   make(map[string]gpio.Edge),
		locks:   make(map[string]*InterruptLock),
	}

	for _, in := range inputs {
		if _, ok := modules[in.Module]; !ok {
			return nil, fmt.Errorf("digital input %q: %w", in.Name, gpio.ErrUnknownModule)
		}
		edge, err := gpio.ParseEdge(in.Interrupt)
		if err != nil {
			return nil, fmt.Errorf("digital input %q: %w", in.Name, err)
		}
		c.inputs[in.Name] = in
		c.order = append(c.order, in.Name)
		if edge != gpio.EdgeNone {
			c.edges[in.Name] = edge
			c.locks[in.Name] = &InterruptLock{}
		}
	}

	for _, in := range inputs {
		for _, target := range in.InterruptFor {
			if _, ok := c.locks[target]; !ok {
				return nil, fmt.Errorf("digital input %q: interrupt_for target %q is not an interrupt input", in.Name, target)
			}
		}
	}
	return c, nil
}

// Lock returns the interrupt lock of name, nil if name has no interrupt.
func (c *Coordinator) Lock(name string) *InterruptLock {
	return c.locks[name]
}

// Input returns the config of name.
func (c *Coordinator) Input(name string) (config.DigitalInput, bool) {
	in, ok := c.inputs[name]
	return in, ok
}

// Names returns the configured input names in config order.
func (c *Coordinator) Names() []string {
	return append([]string(nil), c.order...)
}

func pullOf(in config.DigitalInput) gpio.Pull {
	switch {
	case in.PullUp:
		return gpio.PullUp
	case in.PullDown:
		return gpio.PullDown
	}
	return gpio.PullOff
}

// Setup configures every input pin and arms interrupts. Callbacks that
// arrive before Start are ignored.
func (c *Coordinator) Setup(ctx context.Context) error {
	for _, name := range c.order {
		in := c.inputs[name]
		mod := c.modules[in.Module]

		err := mod.SetupPin(ctx, gpio.PinSetup{
			Name:      in.Name,
			Pin:       in.Pin,
			Direction: gpio.Input,
			Pull:      pullOf(in),
			Edge:      c.edges[name],
		})
		if err != nil {
			return fmt.Errorf("digital input %q: %w", name, err)
		}

		edge, ok := c.edges[name]
		if !ok {
			continue
		}
		moduleName := in.Module
		err = mod.SetupInterrupt(ctx, in.Pin, edge, func(pin config.PinID) {
			c.HandleInterrupt(moduleName, pin)
		})
		if err != nil {
			if !errors.Is(err, gpio.ErrNoInterruptSupport) || !c.polled(in) {
				return fmt.Errorf("digital input %q: %w", name, err)
			}
			c.logger.Warn("module cannot arm interrupt, relying on polling",
				"input", name,
				"module", in.Module,
			)
		}
	}
	return nil
}

// polled reports whether in gets a poll loop: plain inputs always, interrupt
// sources of other chips unless poll_when_interrupt_for is off.
func (c *Coordinator) polled(in config.DigitalInput) bool {
	if in.Interrupt == "" {
		return true
	}
	return len(in.InterruptFor) > 0 && in.PollsWhenInterruptFor()
}

// Start launches the poll loops and begins accepting interrupts.
func (c *Coordinator) Start() error {
	for _, name := range c.order {
		in := c.inputs[name]
		if !c.polled(in) {
			continue
		}
		if err := c.sup.Go("poll input "+name, func(ctx context.Context) error {
			return c.poll(ctx, in)
		}); err != nil {
			return err
		}
	}
	c.running.Store(true)
	c.logger.Info("digital inputs started", "inputs", len(c.order))
	return nil
}

// Stop makes later interrupt callbacks no-ops.
func (c *Coordinator) Stop() {
	c.running.Store(false)
}

func (c *Coordinator) poll(ctx context.Context, in config.DigitalInput) error {
	mod := c.modules[in.Module]
	interval := in.PollInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *bool
	for {
		value, err := mod.GetPin(ctx, in.Pin)
		switch {
		case err == nil:
			c.handleValue(in, value, last)
			last = eventbus.Bool(value)
		case ctx.Err() != nil:
			return nil
		default:
			c.logger.Warn("failed to read digital input", "input", in.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// handleValue fires InputChanged on a change. For an interrupt source of
// other chips it also starts remote resolution whenever the level sits at
// the triggered state, in case the edge callback was missed and the chip is
// holding its interrupt line until read.
func (c *Coordinator) handleValue(in config.DigitalInput, value bool, last *bool) {
	if last == nil || *last != value {
		c.logger.Info("digital input value changed", "input", in.Name, "value", value)
		c.bus.Fire(eventbus.InputChanged{Name: in.Name, From: last, To: value})
	}

	if len(in.InterruptFor) == 0 {
		return
	}
	switch c.edges[in.Name] {
	case gpio.EdgeRising:
		if !value {
			return
		}
	case gpio.EdgeFalling:
		if value {
			return
		}
	default:
		// "both" has no single triggered level to be stuck in.
		return
	}

	lock := c.locks[in.Name]
	if !lock.TryAcquire() {
		c.logger.Debug("polled triggered interrupt level, already being handled", "input", in.Name)
		return
	}
	c.logger.Debug("polled value triggered remote interrupt", "input", in.Name, "value", value)
	c.dispatchRemote(in, lock)
}

// HandleInterrupt is the callback handed to drivers. It may run on any
// goroutine and only hands work off to the supervisor.
func (c *Coordinator) HandleInterrupt(module string, pin config.PinID) {
	if !c.running.Load() {
		c.logger.Warn("ignoring interrupt received before inputs started", "module", module, "pin", pin)
		return
	}

	mod, ok := c.modules[module]
	if !ok {
		c.logger.Warn("interrupt from unknown module", "module", module, "pin", pin)
		return
	}
	setup, ok := mod.PinConfig(pin)
	if !ok {
		c.logger.Warn("interrupt on unconfigured pin", "module", module, "pin", pin)
		return
	}
	in := c.inputs[setup.Name]
	lock, ok := c.locks[in.Name]
	if !ok {
		c.logger.Warn("interrupt on pin without interrupt config", "input", in.Name)
		return
	}

	if !lock.TryAcquire() {
		// The poll loop picks up a stuck interrupt line once this lock is
		// released.
		c.logger.Warn("ignoring interrupt, already processing one", "input", in.Name)
		return
	}
	c.logger.Info("handling interrupt", "input", in.Name)

	if len(in.InterruptFor) > 0 {
		c.logger.Debug("interrupt triggered remote interrupt", "input", in.Name)
		c.dispatchRemote(in, lock)
		return
	}

	err := c.sup.Go("interrupt "+in.Name, func(ctx context.Context) error {
		defer lock.Release()
		value, err := mod.InterruptValue(ctx, in.Pin)
		if err != nil {
			return fmt.Errorf("read interrupt value of %q: %w", in.Name, err)
		}
		c.bus.Fire(eventbus.InputChanged{Name: in.Name, To: value})
		return nil
	})
	if err != nil {
		lock.Release()
		c.logger.Warn("dropping interrupt", "input", in.Name, "error", err)
	}
}

// dispatchRemote runs remote resolution for source as a supervised task.
// The caller holds lock; it is released once resolution finishes.
func (c *Coordinator) dispatchRemote(source config.DigitalInput, lock *InterruptLock) {
	err := c.sup.Go("remote interrupt "+source.Name, func(ctx context.Context) error {
		defer lock.Release()
		return c.resolveRemote(ctx, source.InterruptFor)
	})
	if err != nil {
		lock.Release()
		c.logger.Warn("dropping remote interrupt", "input", source.Name, "error", err)
	}
}

// resolveRemote asks each module owning one of names for its interrupt
// values, concurrently per module, and fires InputChanged for every pin
// returned. It returns after every module has answered.
func (c *Coordinator) resolveRemote(ctx context.Context, names []string) error {
	byModule := make(map[string][]config.PinID)
	for _, name := range names {
		in := c.inputs[name]
		byModule[in.Module] = append(byModule[in.Module], in.Pin)
	}

	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	var g errgroup.Group
	for _, name := range modules {
		mod := c.modules[name]
		pins := byModule[name]
		g.Go(func() error {
			values, err := mod.RemoteInterruptValues(ctx, pins)
			if err != nil {
				return fmt.Errorf("module %q: %w", mod.Name(), err)
			}
			for pin, value := range values {
				setup, ok := mod.PinConfig(pin)
				if !ok {
					continue
				}
				c.bus.Fire(eventbus.InputChanged{Name: setup.Name, To: value})
			}
			return nil
		})
	}
	return g.Wait()
}
