// Package worker runs blocking driver calls off the coordination goroutines.
//
// Hardware libraries frequently block (I2C transactions, serial reads, SNMP
// round trips). Coordinators hand those calls to a Pool, which bounds how many
// run at once and lets the caller stop waiting when its context ends. A call
// that is already running is never interrupted; Wait joins outstanding calls
// during shutdown.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a non-positive size is passed to New.
const DefaultSize = 16

// Pool bounds concurrent blocking calls.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a pool that runs at most size calls at once.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn on a pool goroutine and waits for it to return or for ctx to be
// done, whichever comes first. Panics in fn are returned as errors.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		done <- call(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Wait blocks until all in-flight calls return or timeout elapses. It reports
// whether every call finished.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
