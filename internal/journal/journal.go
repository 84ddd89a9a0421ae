// Package journal records every bus event in PostgreSQL.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/tasks"
)

// Journal feeds bus events into a Writer.
type Journal struct {
	writer *Writer
	logger *slog.Logger
	now    func() time.Time
}

func New(writer *Writer, logger *slog.Logger) *Journal {
	return &Journal{
		writer: writer,
		logger: logger.With("component", "journal"),
		now:    time.Now,
	}
}

// Start runs the writer and one subscriber per event type under sup.
func (j *Journal) Start(sup *tasks.Supervisor, bus *eventbus.Bus) error {
	subs := []struct {
		name string
		fn   tasks.Func
	}{
		{"journal inputs", eventbus.Handle(bus, record[eventbus.InputChanged](j))},
		{"journal outputs", eventbus.Handle(bus, record[eventbus.OutputChanged](j))},
		{"journal sensors", eventbus.Handle(bus, record[eventbus.SensorRead](j))},
		{"journal stream reads", eventbus.Handle(bus, record[eventbus.StreamDataRead](j))},
		{"journal stream sends", eventbus.Handle(bus, record[eventbus.StreamDataSent](j))},
	}
	if err := sup.Go("journal writer", j.writer.Run); err != nil {
		return err
	}
	for _, s := range subs {
		if err := sup.Go(s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func record[E any](j *Journal) func(context.Context, E) {
	return func(ctx context.Context, ev E) {
		r, err := RecordOf(ev, j.now())
		if err != nil {
			j.logger.Error("failed to convert event", "event", ev, "error", err)
			return
		}
		if err := j.writer.Submit(ctx, r); err != nil {
			j.logger.Debug("event not journaled", "kind", r.Kind, "name", r.Name, "error", err)
		}
	}
}
