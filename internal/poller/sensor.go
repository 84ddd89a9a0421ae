// Package poller reads sensor inputs on their configured interval and fires
// SensorRead events.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/sensor"
	"github.com/iogate/iogate/internal/tasks"
)

// DefaultBackoff is the first retry delay after a failed read.
const DefaultBackoff = 500 * time.Millisecond

var errNoValue = errors.New("sensor returned no value")

// SensorPoller runs one loop per sensor input.
type SensorPoller struct {
	bus     *eventbus.Bus
	sup     *tasks.Supervisor
	logger  *slog.Logger
	modules map[string]*sensor.Module
	inputs  []config.SensorInput
	backoff time.Duration
}

func New(bus *eventbus.Bus, sup *tasks.Supervisor, modules map[string]*sensor.Module, inputs []config.SensorInput, logger *slog.Logger) (*SensorPoller, error) {
	for _, in := range inputs {
		if _, ok := modules[in.Module]; !ok {
			return nil, fmt.Errorf("sensor input %q: %w", in.Name, sensor.ErrUnknownModule)
		}
	}
	return &SensorPoller{
		bus:     bus,
		sup:     sup,
		logger:  logger.With("component", "sensor_poller"),
		modules: modules,
		inputs:  inputs,
		backoff: DefaultBackoff,
	}, nil
}

// SetBackoff changes the first retry delay. It must be called before Start.
func (p *SensorPoller) SetBackoff(d time.Duration) {
	p.backoff = d
}

// Setup calls SetupSensor for every input.
func (p *SensorPoller) Setup(ctx context.Context) error {
	for _, in := range p.inputs {
		if err := p.modules[in.Module].SetupSensor(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (p *SensorPoller) Start() error {
	for _, in := range p.inputs {
		if err := p.sup.Go("poll sensor "+in.Name, func(ctx context.Context) error {
			return p.run(ctx, in)
		}); err != nil {
			return err
		}
	}
	p.logger.Info("sensor polling started", "sensors", len(p.inputs))
	return nil
}

func (p *SensorPoller) run(ctx context.Context, in config.SensorInput) error {
	interval := in.Interval()
	for {
		value, err := p.read(ctx, in)
		switch {
		case err == nil:
			value = Round(value, in.Precision())
			p.logger.Debug("sensor read", "sensor", in.Name, "value", value)
			p.bus.Fire(eventbus.SensorRead{Name: in.Name, Value: value})
		case ctx.Err() != nil:
			return nil
		default:
			p.logger.Error("failed to read sensor, skipping cycle", "sensor", in.Name, "error", err)
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// read retries failed or empty reads with exponential backoff, giving up
// once the sensor's interval has elapsed.
func (p *SensorPoller) read(ctx context.Context, in config.SensorInput) (float64, error) {
	mod := p.modules[in.Module]
	b := retry.WithMaxDuration(in.Interval(), retry.NewExponential(p.backoff))

	var value float64
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		v, err := mod.GetValue(ctx, in)
		if err != nil {
			p.logger.Debug("sensor read failed, retrying", "sensor", in.Name, "error", err)
			return retry.RetryableError(err)
		}
		if v == nil {
			return retry.RetryableError(errNoValue)
		}
		value = *v
		return nil
	})
	return value, err
}

// Round rounds v to digits decimal places.
func Round(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
