package input

import "sync"

// InterruptLock guards a single interrupt source so that only one
// resolution runs at a time. Acquisition never blocks.
type InterruptLock struct {
	mu sync.Mutex
}

// TryAcquire reports whether the lock was free and is now held.
func (l *InterruptLock) TryAcquire() bool {
	return l.mu.TryLock()
}

func (l *InterruptLock) Release() {
	l.mu.Unlock()
}
