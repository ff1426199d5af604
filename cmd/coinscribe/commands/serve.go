package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coinscribe/coinscribe/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the report HTTP server",
		Long: `Run the report HTTP server.

Endpoints:
  POST /v1/reports            generate a report (json preview or excel)
  POST /v1/recipes/validate   validate a recipe without executing it
  PUT  /v1/keys/{provider}    store an encrypted provider key
  GET  /v1/keys               list stored key metadata
  GET  /v1/usage              list recent usage events
  GET  /healthz               liveness and store health
  GET  /metrics               Prometheus metrics`,
		Example: `  # Serve on the configured address
  coinscribe serve -c config.yaml

  # Override the listen address
  coinscribe serve --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			addr := app.cfg.Server.ListenAddr
			if listenAddr != "" {
				addr = listenAddr
			}

			srv := server.New(app.logger, app.service, app.store, app.metrics, server.Options{
				ListenAddr:   addr,
				ReadTimeout:  app.cfg.Server.ReadTimeout,
				WriteTimeout: app.cfg.Server.WriteTimeout,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info().Msg("Shutting down HTTP server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address override (host:port)")

	return cmd
}
