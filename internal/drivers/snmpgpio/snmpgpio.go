// Package snmpgpio treats integer OIDs on an SNMP agent as digital pins.
// Networked relay boards and PDUs commonly expose each outlet this way:
// 1 is on, 0 is off.
package snmpgpio

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/registry"
)

func init() {
	gpio.Register("snmp", func(cfg config.ModuleConfig) (gpio.Driver, error) {
		var opts Options
		if err := cfg.Options.Decode(&opts); err != nil {
			return nil, err
		}
		return Dial(opts)
	}, registry.Schema{Module: func() any { return new(Options) }})
}

type Options struct {
	Target    string `yaml:"target" validate:"required"`
	Port      int    `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	Community string `yaml:"community"`
	Version   string `yaml:"version" validate:"omitempty,oneof=1 2c"`
	TimeoutMS int    `yaml:"timeout_ms" validate:"gte=0"`
	Retries   int    `yaml:"retries" validate:"gte=0"`
}

// Client is the subset of *gosnmp.GoSNMP used by the driver.
type Client interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error)
}

type Driver struct {
	// gosnmp handles are not safe for concurrent use
	mu     sync.Mutex
	client Client
	close  func() error
}

var _ gpio.Driver = (*Driver)(nil)

// Dial connects to the agent described by opts.
func Dial(opts Options) (*Driver, error) {
	g := &gosnmp.GoSNMP{
		Target:    opts.Target,
		Port:      uint16(opts.Port),
		Version:   gosnmp.Version2c,
		Community: opts.Community,
		Timeout:   time.Duration(opts.TimeoutMS) * time.Millisecond,
		Retries:   opts.Retries,
	}
	if g.Port == 0 {
		g.Port = 161
	}
	if g.Community == "" {
		g.Community = "private"
	}
	if g.Timeout == 0 {
		g.Timeout = 2 * time.Second
	}
	if opts.Version == "1" {
		g.Version = gosnmp.Version1
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("SNMP connection to %s failed: %w", opts.Target, err)
	}
	d := New(g)
	d.close = func() error { return g.Conn.Close() }
	return d, nil
}

func New(client Client) *Driver {
	return &Driver{client: client}
}

// SetupPin drives outputs to their initial level. Inputs need no setup.
func (d *Driver) SetupPin(p gpio.PinSetup) error {
	if p.Direction != gpio.Output {
		return nil
	}
	return d.SetPin(p.Pin, p.Initial)
}

func (d *Driver) SetPin(pin config.PinID, value bool) error {
	v := 0
	if value {
		v = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.client.Set([]gosnmp.SnmpPDU{{Name: string(pin), Type: gosnmp.Integer, Value: v}})
	if err != nil {
		return fmt.Errorf("SNMP set %s: %w", pin, err)
	}
	if res != nil && res.Error != gosnmp.NoError {
		return fmt.Errorf("SNMP set %s: %s", pin, res.Error)
	}
	return nil
}

func (d *Driver) GetPin(pin config.PinID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.client.Get([]string{string(pin)})
	if err != nil {
		return false, fmt.Errorf("SNMP get %s: %w", pin, err)
	}
	if len(res.Variables) == 0 {
		return false, fmt.Errorf("SNMP get %s: empty response", pin)
	}
	v := res.Variables[0]
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return false, fmt.Errorf("SNMP get %s: %s", pin, v.Type)
	}
	return gosnmp.ToBigInt(v.Value).Cmp(big.NewInt(0)) != 0, nil
}

func (d *Driver) Support() gpio.InterruptSupport {
	return gpio.SupportNone
}

func (d *Driver) Cleanup() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
