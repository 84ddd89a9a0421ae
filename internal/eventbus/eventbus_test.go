package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero E
	return zero
}

func TestFire_AllSubscribersNotified(t *testing.T) {
	bus := New()
	defer bus.Close()

	a, unsubA := Subscribe[OutputChanged](bus)
	defer unsubA()
	b, unsubB := Subscribe[OutputChanged](bus)
	defer unsubB()

	bus.Fire(OutputChanged{Name: "relay", To: true})

	assert.Equal(t, OutputChanged{Name: "relay", To: true}, receive(t, a))
	assert.Equal(t, OutputChanged{Name: "relay", To: true}, receive(t, b))
}

func TestFire_ExactTypeOnly(t *testing.T) {
	bus := New()
	defer bus.Close()

	inputs, unsubInputs := Subscribe[InputChanged](bus)
	defer unsubInputs()
	outputs, unsubOutputs := Subscribe[OutputChanged](bus)
	defer unsubOutputs()

	bus.Fire(InputChanged{Name: "door", To: true})

	assert.Equal(t, "door", receive(t, inputs).Name)
	select {
	case ev := <-outputs:
		t.Fatalf("unexpected event on output channel: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFire_PreservesOrderPerSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, unsub := Subscribe[SensorRead](bus)
	defer unsub()

	// Nobody reads while firing, so Fire must queue rather than block.
	for i := 0; i < 500; i++ {
		bus.Fire(SensorRead{Name: "temp", Value: float64(i)})
	}
	for i := 0; i < 500; i++ {
		require.Equal(t, float64(i), receive(t, ch).Value)
	}
}

func TestFire_NoSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		bus.Fire(StreamDataRead{Name: "uart", Data: []byte("x")})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fire blocked without subscribers")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, unsub := Subscribe[OutputChanged](bus)
	bus.Fire(OutputChanged{Name: "a"})
	unsub()
	unsub()

	// Pending events may or may not be delivered, but the channel must close.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Equal(t, 0, bus.Subscribers(OutputChanged{}))
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after unsubscribe")
		}
	}
}

func TestUnsubscribe_ConcurrentWithFire(t *testing.T) {
	bus := New()
	defer bus.Close()

	for i := 0; i < 50; i++ {
		_, unsub := Subscribe[InputChanged](bus)
		go func() {
			for j := 0; j < 20; j++ {
				bus.Fire(InputChanged{Name: "x"})
			}
		}()
		unsub()
	}
}

func TestClose(t *testing.T) {
	bus := New()

	ch, _ := Subscribe[SensorRead](bus)
	require.NoError(t, bus.Close())

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := Subscribe[SensorRead](bus)
	_, ok = <-late
	assert.False(t, ok)

	bus.Fire(SensorRead{Name: "ignored"})
	require.NoError(t, bus.Close())
}

func TestHandle(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan InputChanged, 4)
	run := Handle(bus, func(_ context.Context, ev InputChanged) { got <- ev })

	// Fired before the loop runs; must not be lost.
	bus.Fire(InputChanged{Name: "early", To: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	assert.Equal(t, "early", receive(t, got).Name)

	bus.Fire(InputChanged{Name: "late", From: Bool(true), To: false})
	ev := receive(t, got)
	assert.Equal(t, "late", ev.Name)
	require.NotNil(t, ev.From)
	assert.True(t, *ev.From)

	cancel()
	assert.ErrorIs(t, receive(t, errCh), context.Canceled)
	assert.Equal(t, 0, bus.Subscribers(InputChanged{}))
}

func TestEventStrings(t *testing.T) {
	assert.Equal(t, "InputChanged{Name: a, From: unknown, To: true}", InputChanged{Name: "a", To: true}.String())
	assert.Equal(t, "InputChanged{Name: a, From: false, To: true}", InputChanged{Name: "a", From: Bool(false), To: true}.String())
	assert.Equal(t, "StreamDataSent{Name: s, Bytes: 3}", StreamDataSent{Name: "s", Data: []byte("abc")}.String())
}
