// Package eventbus provides a thread-safe, non-blocking event bus for the
// gateway. Subscribers register for a concrete event type and receive every
// event of exactly that type on their own channel.
package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// Bus fans events out to typed subscribers.
//
// Fire never blocks: each subscription owns an unbounded FIFO queue that is
// drained by a dedicated delivery goroutine. A slow subscriber therefore only
// delays itself, and a single subscriber sees events in the order they were
// fired. Nothing is promised about ordering across event types.
type Bus struct {
	// mu protects subscribers and closed
	mu sync.RWMutex

	// subscribers maps an event type to its live subscriptions
	subscribers map[reflect.Type][]*subscription

	closed bool

	// wg tracks delivery goroutines for graceful shutdown
	wg sync.WaitGroup
}

type subscription struct {
	mu    sync.Mutex
	queue []any

	// wake is signalled (non-blocking, capacity 1) whenever queue grows
	wake chan struct{}

	// quit is closed exactly once by unsubscribe or Bus.Close
	quit     chan struct{}
	quitOnce sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (s *subscription) push(event any) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is queued or the subscription is stopped.
func (s *subscription) next() (any, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.quit:
			return nil, false
		}
	}
}

func (s *subscription) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[reflect.Type][]*subscription),
	}
}

// Subscribe registers a new subscriber for events of type E. It returns a
// receive-only channel and a function that cancels the subscription.
//
// The channel is closed by the delivery goroutine after unsubscribe or
// Bus.Close, so it never races an in-flight send. Events still queued at that
// point are discarded.
//
// Example:
//
//	ch, unsubscribe := eventbus.Subscribe[eventbus.InputChanged](bus)
//	defer unsubscribe()
//	for ev := range ch {
//		// handle ev
//	}
func Subscribe[E any](b *Bus) (<-chan E, func()) {
	out := make(chan E)
	key := reflect.TypeFor[E]()
	sub := newSubscription()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	b.subscribers[key] = append(b.subscribers[key], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer close(out)
		for {
			event, ok := sub.next()
			if !ok {
				return
			}
			select {
			case out <- event.(E):
			case <-sub.quit:
				return
			}
		}
	}()

	return out, func() { b.unsubscribe(key, sub) }
}

// Handle subscribes fn to events of type E right away and returns a run
// function that invokes fn for each delivered event until ctx is done. The
// subscription is dropped when the run function returns.
//
// Subscribing eagerly means events fired between Handle and the start of the
// run function are not lost.
func Handle[E any](b *Bus, fn func(context.Context, E)) func(ctx context.Context) error {
	ch, unsubscribe := Subscribe[E](b)
	return func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-ch:
				if !ok {
					return nil
				}
				fn(ctx, event)
			}
		}
	}
}

// Fire delivers event to every current subscriber of its dynamic type. It
// returns immediately.
func (b *Bus) Fire(event any) {
	key := reflect.TypeOf(event)

	b.mu.RLock()
	subs := b.subscribers[key]
	// Copy to avoid holding the lock during delivery
	targets := make([]*subscription, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(event)
	}
}

// Subscribers returns the number of live subscriptions for the type of event.
func (b *Bus) Subscribers(event any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[reflect.TypeOf(event)])
}

func (b *Bus) unsubscribe(key reflect.Type, sub *subscription) {
	b.mu.Lock()
	subs := b.subscribers[key]
	for i, s := range subs {
		if s == sub {
			b.subscribers[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
	b.mu.Unlock()

	sub.stop()
}

// Close shuts the bus down. All subscriber channels are closed and Close
// blocks until every delivery goroutine has exited. Subscribe after Close
// returns an already-closed channel; Fire after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subscribers
	b.subscribers = make(map[reflect.Type][]*subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.stop()
		}
	}

	b.wg.Wait()
	return nil
}
