package tasks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(t *testing.T) (*Supervisor, *logBuffer) {
	t.Helper()
	buf := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(context.Background(), logger), buf
}

func TestSupervisor_FailureIsIsolated(t *testing.T) {
	sup, logs := newTestSupervisor(t)

	sibling := make(chan struct{})
	require.NoError(t, sup.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(sibling)
		return ctx.Err()
	}))
	require.NoError(t, sup.Go("broken", func(ctx context.Context) error {
		return errors.New("driver exploded")
	}))
	require.NoError(t, sup.Go("panicky", func(ctx context.Context) error {
		panic("boom")
	}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"sibling"}, sup.Running())
	}, time.Second, 5*time.Millisecond)

	select {
	case <-sibling:
		t.Fatal("sibling was cancelled by a failing task")
	default:
	}

	require.NoError(t, sup.Shutdown(time.Second))
	<-sibling

	out := logs.String()
	assert.Contains(t, out, "task=broken")
	assert.Contains(t, out, "driver exploded")
	assert.Contains(t, out, "task=panicky")
	assert.Contains(t, out, "panic: boom")
	assert.NotContains(t, out, "task=sibling error")
}

func TestSupervisor_GoAfterShutdown(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.NoError(t, sup.Shutdown(time.Second))

	err := sup.Go("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)

	_, err = sup.Child("late-child")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSupervisor_ChildCancelledWithParent(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	child, err := sup.Child("io")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	require.NoError(t, child.Go("grandchild", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "grandchild")
		mu.Unlock()
		return nil
	}))

	require.NoError(t, sup.Shutdown(time.Second))
	mu.Lock()
	order = append(order, "shutdown")
	mu.Unlock()

	assert.Equal(t, []string{"grandchild", "shutdown"}, order)
	assert.ErrorIs(t, child.Context().Err(), context.Canceled)
}

func TestSupervisor_ChildShutdownAlone(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	defer sup.Shutdown(time.Second)

	child, err := sup.Child("stream")
	require.NoError(t, err)
	require.NoError(t, child.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	require.NoError(t, child.Shutdown(time.Second))
	assert.NoError(t, sup.Context().Err())
	assert.Eventually(t, func() bool { return len(sup.Running()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_ShutdownTimeout(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, sup.Go("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	}))

	err := sup.Shutdown(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Contains(t, err.Error(), "stubborn")
}

func TestSupervisor_GoFromForeignGoroutines(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sup.Go("callback", func(ctx context.Context) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.NoError(t, sup.Shutdown(time.Second))
	assert.Equal(t, 100, count)
}
