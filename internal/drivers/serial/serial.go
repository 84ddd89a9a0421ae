// Package serial is a stream driver for serial ports.
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/registry"
	"github.com/iogate/iogate/internal/stream"
)

func init() {
	stream.Register("serial", func(cfg config.StreamModule) (stream.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		return Open(opts)
	}, registry.Schema{Module: func() any { return new(Options) }})
}

type Options struct {
	Device        string `yaml:"device" validate:"required"`
	Baud          int    `yaml:"baud" validate:"omitempty,gte=50"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms" validate:"gte=0"`
	BufferSize    int    `yaml:"buffer_size" validate:"gte=0"`
}

// Port is the part of *serial.Port the driver needs.
type Port interface {
	io.ReadWriteCloser
}

type Driver struct {
	port Port
	buf  []byte
}

var _ stream.Driver = (*Driver)(nil)

// Open opens the device described by opts.
func Open(opts Options) (*Driver, error) {
	if opts.Baud == 0 {
		opts.Baud = 9600
	}
	if opts.ReadTimeoutMS == 0 {
		opts.ReadTimeoutMS = 100
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        opts.Device,
		Baud:        opts.Baud,
		ReadTimeout: time.Duration(opts.ReadTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", opts.Device, err)
	}
	return New(port, opts.BufferSize), nil
}

// New wraps an already open port.
func New(port Port, bufferSize int) *Driver {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Driver{port: port, buf: make([]byte, bufferSize)}
}

// Read returns the bytes available within the port's read timeout.
func (d *Driver) Read() ([]byte, error) {
	n, err := d.port.Read(d.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return append([]byte(nil), d.buf[:n]...), nil
}

func (d *Driver) Write(data []byte) error {
	_, err := d.port.Write(data)
	return err
}

func (d *Driver) Cleanup() error {
	return d.port.Close()
}
