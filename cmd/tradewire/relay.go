package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/tradewire/params"
	"github.com/uhyunpark/tradewire/pkg/relay"
)

func relayCmd() *cobra.Command {
	var (
		listen     string
		maxHistory int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := params.LoadFromEnv(envPath)
			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Sync()
			sugar := logger.Sugar().Named("relay")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := relay.NewServer(maxHistory)
			srv.Logger = sugar
			go srv.Run(ctx)

			httpSrv := &http.Server{Addr: listen, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}()

			sugar.Infow("relay_listening", "addr", listen, "max_history", maxHistory)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			sugar.Infow("relay_stopped", "events", srv.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7447", "listen address")
	cmd.Flags().IntVar(&maxHistory, "history", 10_000, "events kept for replay to new subscribers")
	return cmd
}
