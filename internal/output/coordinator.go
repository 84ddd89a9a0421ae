// Package output applies requested states to digital outputs.
//
// Each GPIO module with outputs gets its own unbuffered queue and drain loop,
// so a slow chip never delays another and requests for one chip are applied
// in arrival order. Timed pulses (set_on_ms, set_off_ms) and timed_set_ms
// resets run as their own tasks so they never hold up the queue.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/tasks"
)

// ErrUnknownOutput is returned for names that are not configured outputs.
var ErrUnknownOutput = errors.New("unknown digital output")

type request struct {
	out     config.DigitalOutput
	payload string
}

// Coordinator owns every configured digital output.
type Coordinator struct {
	bus     *eventbus.Bus
	sup     *tasks.Supervisor
	logger  *slog.Logger
	modules map[string]*gpio.Module

	outputs map[string]config.DigitalOutput
	order   []string
	queues  map[string]chan request
}

func New(bus *eventbus.Bus, sup *tasks.Supervisor, modules map[string]*gpio.Module, outputs []config.DigitalOutput, logger *slog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		bus:     bus,
		sup:     sup,
		logger:  logger.With("component", "output"),
		modules: modules,
		outputs: make(map[string]config.DigitalOutput, len(outputs)),
		queues:  make(map[string]chan request),
	}
	for _, out := range outputs {
		if _, ok := modules[out.Module]; !ok {
			return nil, fmt.Errorf("digital output %q: %w", out.Name, gpio.ErrUnknownModule)
		}
		c.outputs[out.Name] = out
		c.order = append(c.order, out.Name)
		if _, ok := c.queues[out.Module]; !ok {
			c.queues[out.Module] = make(chan request)
		}
	}
	return c, nil
}

// Output returns the config of name.
func (c *Coordinator) Output(name string) (config.DigitalOutput, bool) {
	out, ok := c.outputs[name]
	return out, ok
}

// Names returns the configured output names in config order.
func (c *Coordinator) Names() []string {
	return append([]string(nil), c.order...)
}

// initialLevel is the logical value an output starts at.
func initialLevel(out config.DigitalOutput) bool {
	if out.Inverted {
		return out.Initial == "low"
	}
	return out.Initial == "high"
}

// Setup configures every output pin at its initial level and announces the
// starting state: the configured one with publish_initial, otherwise
// whatever the pin reads back.
func (c *Coordinator) Setup(ctx context.Context) error {
	for _, name := range c.order {
		out := c.outputs[name]
		mod := c.modules[out.Module]

		err := mod.SetupPin(ctx, gpio.PinSetup{
			Name:      out.Name,
			Pin:       out.Pin,
			Direction: gpio.Output,
			Initial:   out.Initial == "high",
		})
		if err != nil {
			return fmt.Errorf("digital output %q: %w", name, err)
		}

		if out.PublishInitial {
			c.bus.Fire(eventbus.OutputChanged{Name: name, To: initialLevel(out)})
			continue
		}
		raw, err := mod.GetPin(ctx, out.Pin)
		if err != nil {
			c.logger.Warn("failed to read initial output state", "output", name, "error", err)
			continue
		}
		c.bus.Fire(eventbus.OutputChanged{Name: name, To: raw != out.Inverted})
	}
	return nil
}

// Start launches one drain loop per module.
func (c *Coordinator) Start() error {
	for module, queue := range c.queues {
		mod := c.modules[module]
		if err := c.sup.Go("output queue "+module, func(ctx context.Context) error {
			return c.drain(ctx, mod, queue)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue hands payload for output name to its module's queue. It blocks
// until the module's loop accepts the request or ctx is done.
func (c *Coordinator) Enqueue(ctx context.Context, name, payload string) error {
	out, ok := c.outputs[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOutput, name)
	}
	select {
	case c.queues[out.Module] <- request{out: out, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drain(ctx context.Context, mod *gpio.Module, queue <-chan request) error {
	for {
		var req request
		select {
		case <-ctx.Done():
			return nil
		case req = <-queue:
		}

		out := req.out
		if req.payload != out.OnPayload && req.payload != out.OffPayload {
			c.logger.Warn("invalid payload for output",
				"output", out.Name,
				"payload", req.payload,
				"on_payload", out.OnPayload,
				"off_payload", out.OffPayload,
			)
			continue
		}

		value := req.payload == out.OnPayload
		if err := c.set(ctx, mod, out, value); err != nil {
			c.logger.Error("failed to set output", "output", out.Name, "error", err)
			continue
		}

		if delay := out.TimedSet(); delay > 0 {
			c.startReset(out, value, delay)
		}
	}
}

func (c *Coordinator) startReset(out config.DigitalOutput, value bool, delay time.Duration) {
	mod := c.modules[out.Module]
	err := c.sup.Go("timed reset "+out.Name, func(ctx context.Context) error {
		if !sleep(ctx, delay) {
			return nil
		}
		c.logger.Info("resetting output after timed_set_ms", "output", out.Name, "delay", delay)
		return c.set(ctx, mod, out, !value)
	})
	if err != nil {
		c.logger.Warn("timed reset not scheduled", "output", out.Name, "error", err)
	}
}

// SetFor sets output name to value, waits d, then sets the opposite. It
// returns once the task is started.
func (c *Coordinator) SetFor(name string, value bool, d time.Duration) error {
	out, ok := c.outputs[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOutput, name)
	}
	mod := c.modules[out.Module]
	return c.sup.Go("timed set "+name, func(ctx context.Context) error {
		c.logger.Info("setting output for a duration", "output", name, "value", value, "duration", d)
		if err := c.set(ctx, mod, out, value); err != nil {
			return err
		}
		if !sleep(ctx, d) {
			return nil
		}
		return c.set(ctx, mod, out, !value)
	})
}

// set drives the pin, honouring inverted, and fires OutputChanged with the
// logical value.
func (c *Coordinator) set(ctx context.Context, mod *gpio.Module, out config.DigitalOutput, value bool) error {
	raw := value != out.Inverted
	if err := mod.SetPin(ctx, out.Pin, raw); err != nil {
		return fmt.Errorf("set %q: %w", out.Name, err)
	}
	c.logger.Info("digital output set", "output", out.Name, "level", raw, "value", value)
	c.bus.Fire(eventbus.OutputChanged{Name: out.Name, To: value})
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
