// Package pump moves bytes between stream modules and the event bus: a read
// loop per stream fires StreamDataRead, and a write loop per stream drains
// Send requests and fires StreamDataSent.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/stream"
	"github.com/iogate/iogate/internal/tasks"
)

// ErrUnknownStream is returned by Send for names that are not configured.
var ErrUnknownStream = errors.New("unknown stream")

type Pump struct {
	bus     *eventbus.Bus
	sup     *tasks.Supervisor
	logger  *slog.Logger
	modules map[string]*stream.Module
	writes  map[string]chan []byte
}

func New(bus *eventbus.Bus, sup *tasks.Supervisor, modules map[string]*stream.Module, logger *slog.Logger) *Pump {
	p := &Pump{
		bus:     bus,
		sup:     sup,
		logger:  logger.With("component", "stream_pump"),
		modules: modules,
		writes:  make(map[string]chan []byte, len(modules)),
	}
	for name := range modules {
		p.writes[name] = make(chan []byte)
	}
	return p
}

// Start launches the read and write loops of every stream.
func (p *Pump) Start() error {
	for name, mod := range p.modules {
		if err := p.sup.Go("stream read "+name, func(ctx context.Context) error {
			return p.readLoop(ctx, mod)
		}); err != nil {
			return err
		}
		writes := p.writes[name]
		if err := p.sup.Go("stream write "+name, func(ctx context.Context) error {
			return p.writeLoop(ctx, mod, writes)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether name is a configured stream.
func (p *Pump) Has(name string) bool {
	_, ok := p.writes[name]
	return ok
}

// Send hands data to the write loop of stream name. It blocks until the
// loop accepts it or ctx is done.
func (p *Pump) Send(ctx context.Context, name string, data []byte) error {
	ch, ok := p.writes[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownStream, name)
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pump) readLoop(ctx context.Context, mod *stream.Module) error {
	cfg := mod.Config()
	interval := cfg.ReadInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := mod.Read(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Warn("stream read failed", "stream", mod.Name(), "error", err)
		case len(data) > 0:
			p.bus.Fire(eventbus.StreamDataRead{Name: mod.Name(), Data: data})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pump) writeLoop(ctx context.Context, mod *stream.Module, writes <-chan []byte) error {
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return nil
		case data = <-writes:
		}

		if err := mod.Write(ctx, data); err != nil {
			p.logger.Warn("stream write failed", "stream", mod.Name(), "error", err)
			continue
		}
		p.bus.Fire(eventbus.StreamDataSent{Name: mod.Name(), Data: data})
	}
}
