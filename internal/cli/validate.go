package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/sensor"
	"github.com/iogate/iogate/internal/stream"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without starting the gateway",
		Long: `Load the configuration, apply defaults and environment overrides and
run every structural and cross-reference check. Each module name must resolve
to a compiled-in driver whose options decode and validate. Drivers are not
opened.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if err := checkModules(cfg); err != nil {
				return fmt.Errorf("module validation failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"%s: ok (%d gpio modules, %d inputs, %d outputs, %d sensors, %d streams)\n",
				rootOpts.ConfigPath,
				len(cfg.GPIOModules),
				len(cfg.DigitalInputs),
				len(cfg.DigitalOutputs),
				len(cfg.SensorInputs),
				len(cfg.StreamModules),
			)
			return err
		},
	}
}

// checkModules runs the driver side of validation: every module resolves to
// a registered driver and its options, and those of each sensor input,
// decode into the driver's schema.
func checkModules(cfg *config.Config) error {
	var errs []error
	for _, m := range cfg.GPIOModules {
		errs = append(errs, gpio.CheckModule(m))
	}
	sensors := make(map[string]config.ModuleConfig, len(cfg.SensorModules))
	for _, m := range cfg.SensorModules {
		sensors[m.Name] = m
		errs = append(errs, sensor.CheckModule(m))
	}
	for _, in := range cfg.SensorInputs {
		// unknown module references are reported by config.Validate
		if m, ok := sensors[in.Module]; ok {
			errs = append(errs, sensor.CheckInput(m, in))
		}
	}
	for _, m := range cfg.StreamModules {
		errs = append(errs, stream.CheckModule(m))
	}
	return errors.Join(errs...)
}
