package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iogate/iogate/internal/api"
	"github.com/iogate/iogate/internal/auth"
	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/journal"
	"github.com/iogate/iogate/internal/logging"
	"github.com/iogate/iogate/internal/server"
	"github.com/iogate/iogate/internal/tasks"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Run the gateway until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, rootOpts, cmd.ErrOrStderr())
		},
	}
}

func runGateway(ctx context.Context, opts *RootOptions, logOut io.Writer) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, logOut)
	logger.Info("starting iogate",
		"version", opts.Version,
		"config", opts.ConfigPath,
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
	)

	// Prepare what can fail before any driver is opened.
	var authService *auth.Service
	if cfg.API.Enabled {
		authService, err = auth.NewService(cfg.API, cfg.MQTT.ClientID)
		if err != nil {
			return fmt.Errorf("failed to initialize auth service: %w", err)
		}
	}

	var journalExt server.Extension
	if cfg.Journal.Enabled {
		pool, err := journal.Connect(ctx, cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer pool.Close()

		if err := journal.Migrate(pool); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		writer := journal.NewWriter(journal.NewPgStore(pool, logger), cfg.Journal, logger)
		journalExt = journal.New(writer, logger).Start
		logger.Info("event journal enabled", "batch_size", cfg.Journal.BatchSize)
	}

	gw, err := server.New(cfg, logger, server.WithVersion(opts.Version))
	if err != nil {
		return err
	}
	if authService != nil {
		gw.Extend(apiExtension(gw, cfg.API, authService, opts.Version, logger))
	}
	if journalExt != nil {
		gw.Extend(journalExt)
	}

	err = gw.Run(ctx)
	logger.Info("iogate stopped")
	return err
}

func apiExtension(gw *server.Gateway, cfg config.APIConfig, authService *auth.Service, version string, logger *slog.Logger) server.Extension {
	state := api.NewState()
	handler := api.NewRouter(api.Dependencies{
		Auth:    authService,
		State:   state,
		Outputs: gw.Outputs(),
		Streams: gw.Pump(),
		Ready:   gw.Ready,
		Version: version,
		Logger:  logger,
	})
	srv := api.NewServer(cfg, handler, logger)

	return func(sup *tasks.Supervisor, bus *eventbus.Bus) error {
		if err := state.Start(sup, bus); err != nil {
			return err
		}
		return sup.Go("api server", srv.Run)
	}
}
