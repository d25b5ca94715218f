package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
	"github.com/quantrelay/quantrelay/server"
)

// ServeCmd starts the webhook server and the background signal consumer.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and signal consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		// Reload config on file change; a broken file keeps the previous
		// config and only logs.
		if path := config.GetViper().ConfigFileUsed(); path != "" {
			watcher, err := config.NewWatcher(path)
			if err != nil {
				logger.Warnw("config watcher unavailable", logger.FieldError, err)
			} else {
				watcher.Start()
				defer watcher.Stop()
			}
		}

		srv := server.NewServer(app)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-stop
			logger.Infow("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Errorw("shutdown error", logger.FieldError, err)
			}
			cancel()
		}()

		return srv.Start()
	},
}
