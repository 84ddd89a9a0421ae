package output

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/drivers/mockgpio"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/logging"
	"github.com/iogate/iogate/internal/tasks"
	"github.com/iogate/iogate/internal/worker"
)

type fixture struct {
	bus    *eventbus.Bus
	sup    *tasks.Supervisor
	drv    *mockgpio.Driver
	c      *Coordinator
	events <-chan eventbus.OutputChanged
}

func relay(name, pin string) config.DigitalOutput {
	return config.DigitalOutput{
		Name:       name,
		Module:     "board",
		Pin:        config.PinID(pin),
		OnPayload:  "ON",
		OffPayload: "OFF",
		Initial:    "low",
	}
}

func newFixture(t *testing.T, start bool, outputs ...config.DigitalOutput) *fixture {
	t.Helper()
	f := &fixture{
		bus: eventbus.New(),
		sup: tasks.New(context.Background(), logging.Discard()),
		drv: mockgpio.New(gpio.SupportNone),
	}
	modules := map[string]*gpio.Module{
		"board": gpio.NewModule(config.ModuleConfig{Name: "board"}, f.drv, worker.New(4), logging.Discard()),
	}
	ch, unsubscribe := eventbus.Subscribe[eventbus.OutputChanged](f.bus)
	f.events = ch
	t.Cleanup(func() {
		unsubscribe()
		_ = f.sup.Shutdown(2 * time.Second)
		_ = f.bus.Close()
	})

	c, err := New(f.bus, f.sup, modules, outputs, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Setup(context.Background()))
	if start {
		require.NoError(t, c.Start())
	}
	f.c = c
	return f
}

func (f *fixture) next(t *testing.T) eventbus.OutputChanged {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OutputChanged")
		return eventbus.OutputChanged{}
	}
}

func (f *fixture) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(wait):
	}
}

func TestSetup_AnnouncesInitialState(t *testing.T) {
	inv := relay("inv", "2")
	inv.Inverted = true
	inv.Initial = "high"

	pub := relay("pub", "3")
	pub.PublishInitial = true
	pub.Initial = "high"

	f := newFixture(t, false, relay("plain", "1"), inv, pub)

	assert.Equal(t, eventbus.OutputChanged{Name: "plain", To: false}, f.next(t))
	// Physically high but inverted reads back as off.
	assert.Equal(t, eventbus.OutputChanged{Name: "inv", To: false}, f.next(t))
	assert.Equal(t, eventbus.OutputChanged{Name: "pub", To: true}, f.next(t))

	assert.True(t, f.drv.Value("2"))
	assert.True(t, f.drv.Value("3"))
}

func TestEnqueue_SetsPinAndFires(t *testing.T) {
	inv := relay("inv", "2")
	inv.Inverted = true
	f := newFixture(t, true, relay("lamp", "1"), inv)
	f.next(t)
	f.next(t)
	ctx := context.Background()

	require.NoError(t, f.c.Enqueue(ctx, "lamp", "ON"))
	assert.Equal(t, eventbus.OutputChanged{Name: "lamp", To: true}, f.next(t))
	assert.True(t, f.drv.Value("1"))

	require.NoError(t, f.c.Enqueue(ctx, "inv", "ON"))
	assert.Equal(t, eventbus.OutputChanged{Name: "inv", To: true}, f.next(t))
	assert.False(t, f.drv.Value("2"))
}

func TestEnqueue_InvalidPayloadIsDropped(t *testing.T) {
	f := newFixture(t, true, relay("lamp", "1"))
	f.next(t)

	require.NoError(t, f.c.Enqueue(context.Background(), "lamp", "on"))
	require.NoError(t, f.c.Enqueue(context.Background(), "lamp", "TOGGLE"))
	f.none(t, 50*time.Millisecond)
	assert.Empty(t, f.drv.Calls("set"))
}

func TestEnqueue_UnknownOutput(t *testing.T) {
	f := newFixture(t, true, relay("lamp", "1"))
	err := f.c.Enqueue(context.Background(), "fan", "ON")
	assert.ErrorIs(t, err, ErrUnknownOutput)
	assert.ErrorIs(t, f.c.SetFor("fan", true, time.Millisecond), ErrUnknownOutput)
}

func TestEnqueue_BlocksUntilLoopReady(t *testing.T) {
	f := newFixture(t, false, relay("lamp", "1"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.c.Enqueue(ctx, "lamp", "ON"), context.DeadlineExceeded)
}

func TestEnqueue_FIFOPerModule(t *testing.T) {
	f := newFixture(t, true, relay("a", "1"), relay("b", "2"))
	f.next(t)
	f.next(t)
	ctx := context.Background()

	sequence := []struct {
		name    string
		payload string
	}{
		{"a", "ON"}, {"b", "ON"}, {"a", "OFF"}, {"b", "OFF"}, {"a", "ON"},
	}
	for _, s := range sequence {
		require.NoError(t, f.c.Enqueue(ctx, s.name, s.payload))
	}
	for _, s := range sequence {
		ev := f.next(t)
		assert.Equal(t, s.name, ev.Name)
		assert.Equal(t, s.payload == "ON", ev.To)
	}

	calls := f.drv.Calls("set")
	require.Len(t, calls, len(sequence))
	assert.Equal(t, config.PinID("1"), calls[0].Pin)
	assert.Equal(t, config.PinID("2"), calls[1].Pin)
}

func TestTimedSet_ResetsAfterDelay(t *testing.T) {
	out := relay("buzzer", "4")
	out.TimedSetMS = 40
	f := newFixture(t, true, out)
	f.next(t)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, f.c.Enqueue(ctx, "buzzer", "ON"))
	assert.True(t, f.next(t).To)

	// Further requests queue up behind nothing; the reset still happens.
	require.NoError(t, f.c.Enqueue(ctx, "buzzer", "ON"))
	assert.True(t, f.next(t).To)

	ev := f.next(t)
	assert.False(t, ev.To)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.False(t, f.drv.Value("4"))
}

func TestSetFor_PulsesOutsideQueue(t *testing.T) {
	f := newFixture(t, false, relay("door", "5"))
	f.next(t)

	// No drain loop is running, so this only works off the queue.
	require.NoError(t, f.c.SetFor("door", true, 30*time.Millisecond))
	assert.Equal(t, eventbus.OutputChanged{Name: "door", To: true}, f.next(t))
	assert.True(t, f.drv.Value("5"))
	assert.Equal(t, eventbus.OutputChanged{Name: "door", To: false}, f.next(t))
	assert.False(t, f.drv.Value("5"))
}
