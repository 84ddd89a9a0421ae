package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Global validator instance
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML keys.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Unwrap makes every ValidationErrors match ErrInvalid.
func (v *ValidationErrors) Unwrap() error {
	return ErrInvalid
}

func (v *ValidationErrors) add(field, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationErrors) errOrNil() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// ValidateStruct validates a struct against its validate tags and returns
// detailed errors.
func ValidateStruct(s any) error {
	errs := &ValidationErrors{}
	collectFieldErrors(errs, validate.Struct(s))
	return errs.errOrNil()
}

func collectFieldErrors(errs *ValidationErrors, err error) {
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.add("_struct", "%v", err)
		return
	}
	for _, e := range fieldErrs {
		field := e.Namespace()
		// Drop the root type name.
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		errs.Errors = append(errs.Errors, ValidationError{
			Field:   field,
			Message: formatValidationMessage(e),
		})
	}
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// Validate checks field constraints and cross references between sections.
// All problems are reported together.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}
	collectFieldErrors(errs, validate.Struct(c))

	if !c.Logging.IsLogLevelValid() {
		errs.add("logging.level", "unknown log level %q", c.Logging.Level)
	}
	if c.MQTT.TLS.CertFile != "" && c.MQTT.TLS.KeyFile == "" {
		errs.add("mqtt.tls.keyfile", "keyfile is required when certfile is set")
	}
	if c.API.Enabled {
		if len(c.API.JWTSecret) < 32 {
			errs.add("api.jwt_secret", "jwt_secret must be at least 32 characters")
		}
		if c.API.AdminPasswordHash == "" {
			errs.add("api.admin_password_hash", "admin_password_hash is required when the API is enabled")
		}
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		errs.add("journal.dsn", "dsn is required when the journal is enabled")
	}

	c.validateReferences(errs)
	return errs.errOrNil()
}

func uniqueNames[T any](errs *ValidationErrors, section string, items []T, name func(T) string) map[string]int {
	seen := make(map[string]int, len(items))
	for i, item := range items {
		n := name(item)
		if prev, ok := seen[n]; ok {
			errs.add(fmt.Sprintf("%s[%d].name", section, i), "duplicate name %q (also used by %s[%d])", n, section, prev)
			continue
		}
		seen[n] = i
	}
	return seen
}

func (c *Config) validateReferences(errs *ValidationErrors) {
	gpioModules := uniqueNames(errs, "gpio_modules", c.GPIOModules, func(m ModuleConfig) string { return m.Name })
	sensorModules := uniqueNames(errs, "sensor_modules", c.SensorModules, func(m ModuleConfig) string { return m.Name })
	uniqueNames(errs, "stream_modules", c.StreamModules, func(m StreamModule) string { return m.Name })
	inputs := uniqueNames(errs, "digital_inputs", c.DigitalInputs, func(d DigitalInput) string { return d.Name })
	uniqueNames(errs, "digital_outputs", c.DigitalOutputs, func(d DigitalOutput) string { return d.Name })
	uniqueNames(errs, "sensor_inputs", c.SensorInputs, func(s SensorInput) string { return s.Name })

	used := make(map[string]bool)
	pins := make(map[string]string)
	claimPin := func(field, module string, pin PinID, owner string) {
		key := module + "\x00" + string(pin)
		if prev, ok := pins[key]; ok {
			errs.add(field, "pin %s of module %q is already used by %q", pin, module, prev)
			return
		}
		pins[key] = owner
	}

	for i, in := range c.DigitalInputs {
		field := fmt.Sprintf("digital_inputs[%d]", i)
		if _, ok := gpioModules[in.Module]; !ok {
			errs.add(field+".module", "unknown gpio module %q", in.Module)
		}
		used[in.Module] = true
		claimPin(field+".pin", in.Module, in.Pin, in.Name)

		if in.PullUp && in.PullDown {
			errs.add(field, "pullup and pulldown are mutually exclusive")
		}
		if len(in.InterruptFor) > 0 && in.Interrupt == "" {
			errs.add(field+".interrupt_for", "interrupt_for requires interrupt to be set on %q", in.Name)
		}
		for _, target := range in.InterruptFor {
			if target == in.Name {
				errs.add(field+".interrupt_for", "%q cannot be a remote interrupt for itself", in.Name)
				continue
			}
			j, ok := inputs[target]
			if !ok {
				errs.add(field+".interrupt_for", "unknown digital input %q", target)
				continue
			}
			if c.DigitalInputs[j].Interrupt == "" {
				errs.add(field+".interrupt_for", "%q must have interrupt set to be used in interrupt_for", target)
			}
		}
	}

	for i, out := range c.DigitalOutputs {
		field := fmt.Sprintf("digital_outputs[%d]", i)
		if _, ok := gpioModules[out.Module]; !ok {
			errs.add(field+".module", "unknown gpio module %q", out.Module)
		}
		used[out.Module] = true
		claimPin(field+".pin", out.Module, out.Pin, out.Name)
	}

	for i, m := range c.GPIOModules {
		if !used[m.Name] {
			errs.add(fmt.Sprintf("gpio_modules[%d]", i), "gpio module %q has no digital inputs or outputs", m.Name)
		}
	}

	for i, s := range c.SensorInputs {
		if _, ok := sensorModules[s.Module]; !ok {
			errs.add(fmt.Sprintf("sensor_inputs[%d].module", i), "unknown sensor module %q", s.Module)
		}
	}
}
