package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long:  "Start ingestion, classification, the export scheduler and the HTTP API. SIGINT or SIGTERM shuts down gracefully.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
			With(logging.Service("trap"))
		logging.SetDefault(logger)
		logger.Info("starting trap",
			"port", cfg.Server.Port,
			"sinks", len(cfg.Sinks),
			"max_events", cfg.Store.MaxEvents)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		return a.Run(ctx)
	},
}
