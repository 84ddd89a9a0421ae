package input

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
	bus     *eventbus.Bus
	sup     *tasks.Supervisor
	drivers map[string]*mockgpio.Driver
	modules map[string]*gpio.Module
	events  <-chan eventbus.InputChanged
}

func newFixture(t *testing.T, support map[string]gpio.InterruptSupport) *fixture {
	t.Helper()
	f := &fixture{
		bus:     eventbus.New(),
		sup:     tasks.New(context.Background(), logging.Discard()),
		drivers: make(map[string]*mockgpio.Driver),
		modules: make(map[string]*gpio.Module),
	}
	pool := worker.New(8)
	for name, s := range support {
		drv := mockgpio.New(s)
		f.drivers[name] = drv
		f.modules[name] = gpio.NewModule(config.ModuleConfig{Name: name}, drv, pool, logging.Discard())
	}
	ch, unsubscribe := eventbus.Subscribe[eventbus.InputChanged](f.bus)
	f.events = ch
	t.Cleanup(func() {
		unsubscribe()
		_ = f.sup.Shutdown(2 * time.Second)
		_ = f.bus.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T, inputs ...config.DigitalInput) *Coordinator {
	t.Helper()
	c, err := New(f.bus, f.sup, f.modules, inputs, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Setup(context.Background()))
	require.NoError(t, c.Start())
	return c
}

func (f *fixture) next(t *testing.T) eventbus.InputChanged {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for InputChanged")
		return eventbus.InputChanged{}
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

// collect reads n events and indexes them by input name.
func (f *fixture) collect(t *testing.T, n int) map[string]eventbus.InputChanged {
	t.Helper()
	out := make(map[string]eventbus.InputChanged, n)
	for range n {
		ev := f.next(t)
		out[ev.Name] = ev
	}
	return out
}

func TestPolledInput_FiresOncePerTransition(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportNone})
	f.start(t, config.DigitalInput{Name: "door", Module: "board", Pin: "1", PollIntervalSeconds: 0.005})

	first := f.next(t)
	assert.Equal(t, "door", first.Name)
	assert.Nil(t, first.From)
	assert.False(t, first.To)

	// Several polls at the same level fire nothing.
	f.none(t, 30*time.Millisecond)

	f.drivers["board"].SetValue("1", true)
	ev := f.next(t)
	require.NotNil(t, ev.From)
	assert.False(t, *ev.From)
	assert.True(t, ev.To)

	f.none(t, 30*time.Millisecond)
}

func TestSetup_ConfiguresPull(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportNone})
	f.start(t,
		config.DigitalInput{Name: "up", Module: "board", Pin: "1", PullUp: true, PollIntervalSeconds: 0.0050},
		config.DigitalInput{Name: "down", Module: "board", Pin: "2", PullDown: true, PollIntervalSeconds: 0.0050},
	)
	up, _ := f.modules["board"].PinConfig("1")
	down, _ := f.modules["board"].PinConfig("2")
	assert.Equal(t, gpio.PullUp, up.Pull)
	assert.Equal(t, gpio.PullDown, down.Pull)
	assert.Equal(t, gpio.Input, up.Direction)
}

func TestInterruptCallback_FiresTriggeredValue(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportSoftwareCallback})
	drv := f.drivers["board"]
	c := f.start(t, config.DigitalInput{Name: "button", Module: "board", Pin: "7", Interrupt: "rising"})

	drv.SetValue("7", true)
	require.NoError(t, drv.Trigger("7"))

	ev := f.next(t)
	assert.Equal(t, "button", ev.Name)
	assert.Nil(t, ev.From)
	assert.True(t, ev.To)

	// Not polled.
	f.none(t, 30*time.Millisecond)

	assert.Eventually(t, func() bool {
		l := c.Lock("button")
		if l.TryAcquire() {
			l.Release()
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestInterruptCallback_IgnoredUntilStarted(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportSoftwareCallback})
	c, err := New(f.bus, f.sup, f.modules, []config.DigitalInput{
		{Name: "button", Module: "board", Pin: "7", Interrupt: "rising"},
	}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Setup(context.Background()))

	require.NoError(t, f.drivers["board"].Trigger("7"))
	f.none(t, 50*time.Millisecond)

	require.NoError(t, c.Start())
	require.NoError(t, f.drivers["board"].Trigger("7"))
	f.next(t)

	c.Stop()
	require.NoError(t, f.drivers["board"].Trigger("7"))
	f.none(t, 50*time.Millisecond)
}

func TestInterruptCallback_HeldLockDropsDuplicate(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportSoftwareCallback})
	drv := f.drivers["board"]
	c := f.start(t, config.DigitalInput{Name: "button", Module: "board", Pin: "7", Interrupt: "falling"})

	lock := c.Lock("button")
	require.True(t, lock.TryAcquire())

	require.NoError(t, drv.Trigger("7"))
	f.none(t, 50*time.Millisecond)

	lock.Release()
	require.NoError(t, drv.Trigger("7"))
	ev := f.next(t)
	assert.Equal(t, "button", ev.Name)
	assert.False(t, ev.To)
}

func remoteInputs(pollSource bool) []config.DigitalInput {
	return []config.DigitalInput{
		{
			Name:                 "expander_int",
			Module:               "board",
			Pin:                  "17",
			Interrupt:            "falling",
			InterruptFor:         []string{"a", "b", "c"},
			PollIntervalSeconds:  0.005,
			PollWhenInterruptFor: &pollSource,
		},
		{Name: "a", Module: "expander", Pin: "1", Interrupt: "rising"},
		{Name: "b", Module: "expander", Pin: "2", Interrupt: "falling"},
		{Name: "c", Module: "other", Pin: "1", Interrupt: "both"},
	}
}

func TestRemoteInterrupt_FansOutPerModule(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{
		"board":    gpio.SupportSoftwareCallback,
		"expander": gpio.SupportInterruptPin | gpio.SupportSetTriggers,
		"other":    gpio.SupportInterruptPin | gpio.SupportSetTriggers,
	})
	f.drivers["other"].SetValue("1", true)
	c := f.start(t, remoteInputs(false)...)

	require.NoError(t, f.drivers["board"].Trigger("17"))

	got := f.collect(t, 3)
	assert.True(t, got["a"].To)
	assert.False(t, got["b"].To)
	assert.True(t, got["c"].To)
	for _, ev := range got {
		assert.Nil(t, ev.From)
	}
	_, sourceFired := got["expander_int"]
	assert.False(t, sourceFired)

	// The source lock is released once every module answered.
	assert.Eventually(t, func() bool {
		l := c.Lock("expander_int")
		if l.TryAcquire() {
			l.Release()
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Remote pins were armed without callbacks.
	assert.Len(t, f.drivers["expander"].Calls("interrupt"), 2)
}

func TestRemoteInterrupt_FlagRegisterNarrowsPins(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{
		"board":    gpio.SupportSoftwareCallback,
		"expander": gpio.SupportFlagRegister | gpio.SupportCaptureRegister | gpio.SupportSetTriggers,
		"other":    gpio.SupportSetTriggers,
	})
	exp := f.drivers["expander"]
	exp.SetFlagged("2")
	exp.SetCaptured("2", true)
	f.start(t, remoteInputs(false)...)

	require.NoError(t, f.drivers["board"].Trigger("17"))
	got := f.collect(t, 2)
	assert.True(t, got["b"].To)
	assert.Contains(t, got, "c")
	assert.NotContains(t, got, "a")
}

func TestPollRecovery_ResolvesStuckInterruptLine(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{
		"board":    gpio.SupportSoftwareCallback,
		"expander": gpio.SupportSetTriggers,
		"other":    gpio.SupportSetTriggers,
	})
	// A falling source reading low is stuck in its triggered state.
	c := f.start(t, remoteInputs(true)...)

	seen := map[string]bool{}
	assert.Eventually(t, func() bool {
		select {
		case ev := <-f.events:
			seen[ev.Name] = true
		default:
		}
		return seen["expander_int"] && seen["a"] && seen["b"] && seen["c"]
	}, 2*time.Second, time.Millisecond)

	// While the source lock is held, polling does not start another round.
	lock := c.Lock("expander_int")
	assert.Eventually(t, lock.TryAcquire, time.Second, time.Millisecond)
	for {
		select {
		case <-f.events:
			continue
		case <-time.After(30 * time.Millisecond):
		}
		break
	}
	f.none(t, 50*time.Millisecond)
	lock.Release()
	f.next(t)
}

func TestPollRecovery_SkippedForBothEdges(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{
		"board":    gpio.SupportSoftwareCallback,
		"expander": gpio.SupportSetTriggers,
	})
	f.start(t,
		config.DigitalInput{Name: "src", Module: "board", Pin: "17", Interrupt: "both", InterruptFor: []string{"a"}, PollIntervalSeconds: 0.005},
		config.DigitalInput{Name: "a", Module: "expander", Pin: "1", Interrupt: "rising"},
	)

	ev := f.next(t)
	assert.Equal(t, "src", ev.Name)
	f.none(t, 50*time.Millisecond)
}

func TestNew_RejectsBadReferences(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportNone})

	_, err := New(f.bus, f.sup, f.modules, []config.DigitalInput{{Name: "x", Module: "missing", Pin: "1"}}, logging.Discard())
	assert.ErrorIs(t, err, gpio.ErrUnknownModule)

	_, err = New(f.bus, f.sup, f.modules, []config.DigitalInput{
		{Name: "src", Module: "board", Pin: "1", Interrupt: "falling", InterruptFor: []string{"plain"}},
		{Name: "plain", Module: "board", Pin: "2"},
	}, logging.Discard())
	assert.ErrorContains(t, err, "not an interrupt input")
}

func TestSetup_NoInterruptSupport(t *testing.T) {
	f := newFixture(t, map[string]gpio.InterruptSupport{"board": gpio.SupportNone})
	plain := gpio.NewModule(config.ModuleConfig{Name: "plain"}, plainDriver{}, worker.New(1), logging.Discard())
	f.modules["plain"] = plain

	c, err := New(f.bus, f.sup, f.modules, []config.DigitalInput{
		{Name: "btn", Module: "plain", Pin: "1", Interrupt: "rising"},
	}, logging.Discard())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Setup(context.Background()), gpio.ErrNoInterruptSupport)
}

type plainDriver struct{}

func (plainDriver) SetupPin(gpio.PinSetup) error      { return nil }
func (plainDriver) SetPin(config.PinID, bool) error   { return nil }
func (plainDriver) GetPin(config.PinID) (bool, error) { return false, nil }
func (plainDriver) Support() gpio.InterruptSupport    { return gpio.SupportNone }
func (plainDriver) Cleanup() error                    { return nil }
