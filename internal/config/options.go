package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PinID addresses a pin on a GPIO module. Chips use integer offsets, boards
// and network devices use names ("GPIO17", an SNMP OID); both are kept as text.
type PinID string

// UnmarshalYAML accepts any scalar.
func (p *PinID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: pin must be a string or integer", node.Line)
	}
	*p = PinID(node.Value)
	return nil
}

// Int parses the pin as an integer offset.
func (p PinID) Int() (int, error) {
	n, err := strconv.Atoi(string(p))
	if err != nil {
		return 0, fmt.Errorf("pin %q is not an integer", string(p))
	}
	return n, nil
}

func (p PinID) String() string {
	return string(p)
}

// Options is the raw YAML mapping of a config entry. Drivers decode their own
// keys from it; the common keys are ignored by their structs.
type Options struct {
	node yaml.Node
}

// NewOptions builds Options from a map, for programmatic configuration.
func NewOptions(values map[string]any) Options {
	var o Options
	if values != nil {
		// Encoding a plain map cannot fail.
		_ = o.node.Encode(values)
	}
	return o
}

// Decode unmarshals the options into out, a pointer to a struct with yaml
// and validate tags, and validates it.
func (o Options) Decode(out any) error {
	if o.node.Kind != 0 {
		if err := o.node.Decode(out); err != nil {
			return fmt.Errorf("decode module options: %w", err)
		}
	}
	return ValidateStruct(out)
}

func (m *ModuleConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ModuleConfig
	if err := node.Decode((*plain)(m)); err != nil {
		return err
	}
	m.Options = Options{node: *node}
	return nil
}

func (s *StreamModule) UnmarshalYAML(node *yaml.Node) error {
	type plain StreamModule
	if err := node.Decode((*plain)(s)); err != nil {
		return err
	}
	s.Options = Options{node: *node}
	return nil
}

func (s *SensorInput) UnmarshalYAML(node *yaml.Node) error {
	type plain SensorInput
	if err := node.Decode((*plain)(s)); err != nil {
		return err
	}
	s.Options = Options{node: *node}
	return nil
}
