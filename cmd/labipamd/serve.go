package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the allocation HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("rate-limit") {
			if config.HTTP.RateLimit, err = flags.GetFloat64("rate-limit"); err != nil {
				return err
			}
		}
		if flags.Changed("burst") {
			if config.HTTP.Burst, err = flags.GetInt("burst"); err != nil {
				return err
			}
		}

		m, err := manager.New(ctx, config)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Run(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case err := <-errCh:
			m.Stop(ctx)
			return err
		case sig := <-sigCh:
			log.G(ctx).WithField("signal", sig).Info("shutting down")
		}

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return m.Stop(stopCtx)
	},
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "Listen address (overrides $LISTEN_ADDR)")
	serveCmd.Flags().Float64("rate-limit", 0, "Allocate and deallocate requests per second, 0 for unlimited")
	serveCmd.Flags().Int("burst", 10, "Requests allowed at once above the rate limit")
}
