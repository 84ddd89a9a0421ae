// Package tasks implements a structured supervision scope for background
// goroutines. Every long-running loop in the gateway is started through a
// Supervisor so that cancellation is transitive and failures are reported in
// one place.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

var (
	// ErrStopped is returned by Go once the supervisor is shutting down.
	ErrStopped = errors.New("supervisor stopped")

	// ErrShutdownTimeout is returned when tasks did not unwind in time.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// Func is a supervised task body. It must return when ctx is cancelled.
type Func func(ctx context.Context) error

type finished struct {
	id   uint64
	name string
	err  error
}

// Supervisor owns a set of running tasks.
//
// Tasks are isolated: an error or panic in one task is logged by the reaper
// and never cancels its siblings. Cancelling the supervisor cancels every
// task and every child supervisor.
type Supervisor struct {
	name   string
	base   *slog.Logger
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	nextID  uint64
	running map[uint64]string

	wg         sync.WaitGroup
	finished   chan finished
	closeOnce  sync.Once
	reaperDone chan struct{}
}

// New creates a root supervisor whose tasks run until parent is cancelled or
// Shutdown is called.
func New(parent context.Context, logger *slog.Logger) *Supervisor {
	return newSupervisor(parent, "root", logger)
}

func newSupervisor(parent context.Context, name string, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		name:       name,
		base:       logger,
		logger:     logger.With("component", "supervisor", "scope", name),
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[uint64]string),
		finished:   make(chan finished),
		reaperDone: make(chan struct{}),
	}
	go s.reap()
	return s
}

// Context returns the supervisor's context. It is cancelled on shutdown.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go starts fn as a supervised task. It is safe to call from any goroutine,
// including callbacks owned by hardware libraries.
func (s *Supervisor) Go(name string, fn Func) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("start %q: %w", name, ErrStopped)
	}
	s.nextID++
	id := s.nextID
	s.running[id] = name
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.run(fn)
		s.finished <- finished{id: id, name: name, err: err}
	}()
	return nil
}

func (s *Supervisor) run(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(s.ctx)
}

// reap removes finished tasks and surfaces their errors.
func (s *Supervisor) reap() {
	defer close(s.reaperDone)
	for f := range s.finished {
		s.mu.Lock()
		delete(s.running, f.id)
		s.mu.Unlock()

		if f.err != nil && !errors.Is(f.err, context.Canceled) {
			s.logger.Error("task failed", "task", f.name, "error", f.err)
			continue
		}
		s.logger.Debug("task finished", "task", f.name)
	}
}

// Child creates a nested supervisor. Its tasks are cancelled with the parent
// and the parent's Shutdown waits for them.
func (s *Supervisor) Child(name string) (*Supervisor, error) {
	child := newSupervisor(s.ctx, s.name+"/"+name, s.base)
	err := s.Go(name, func(ctx context.Context) error {
		<-child.ctx.Done()
		child.stopAndWait()
		return nil
	})
	if err != nil {
		child.cancel()
		child.stopAndWait()
		return nil, err
	}
	return child, nil
}

// Running returns the names of tasks that have not finished yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for _, name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Supervisor) stopAndWait() {
	s.markStopped()
	s.wg.Wait()
	s.closeOnce.Do(func() { close(s.finished) })
	<-s.reaperDone
}

// Shutdown cancels every task and waits up to timeout for them to return.
// Tasks that ignore cancellation are reported in the returned error.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.markStopped()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.stopAndWait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s, still running: %v", ErrShutdownTimeout, timeout, s.Running())
	}
}
