// Package mockstream is an in-memory stream driver. Data pushed with Inject
// is returned by Read; data written is recorded and can be echoed back.
package mockstream

import (
	"errors"
	"sync"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/stream"
)

func init() {
	stream.Register("mock", func(cfg config.StreamModule) (stream.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		d := New()
		d.loopback = opts.Loopback
		return d, nil
	}, registry.Schema{Module: func() any { return new(Options) }})
}

type Options struct {
	// Loopback feeds every write back into the read side.
	Loopback bool `yaml:"loopback"`
}

// ErrClosed is returned after Cleanup.
var ErrClosed = errors.New("stream closed")

type Driver struct {
	mu       sync.Mutex
	pending  [][]byte
	written  [][]byte
	loopback bool
	writeErr error
	attempts int
	closed   bool
}

var _ stream.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{}
}

// Inject queues data for the next Read.
func (d *Driver) Inject(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, append([]byte(nil), data...))
}

// FailWrites makes Write return err until called again with nil.
func (d *Driver) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

func (d *Driver) Read() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if len(d.pending) == 0 {
		return nil, nil
	}
	data := d.pending[0]
	d.pending = d.pending[1:]
	return data, nil
}

func (d *Driver) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.closed {
		return ErrClosed
	}
	if d.writeErr != nil {
		return d.writeErr
	}
	cp := append([]byte(nil), data...)
	d.written = append(d.written, cp)
	if d.loopback {
		d.pending = append(d.pending, cp)
	}
	return nil
}

func (d *Driver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Written returns every successful write in order.
func (d *Driver) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

// WriteAttempts counts Write calls, failed ones included.
func (d *Driver) WriteAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
