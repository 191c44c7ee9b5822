package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/params"
	"github.com/uhyunpark/tradewire/pkg/api"
	"github.com/uhyunpark/tradewire/pkg/engine"
	"github.com/uhyunpark/tradewire/pkg/util"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node with its API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Priority: ENV > .env file > YAML > defaults
			cfg, err := params.Load(configPath, envPath)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Sync()
			sugar := logger.Sugar()
			sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := engine.New(ctx, cfg, engine.Options{Logger: sugar})
			if err != nil {
				sugar.Errorw("node_init_failed", "err", err)
				return err
			}
			defer node.Close()

			// ---- API Server ----
			apiServer := api.NewServer(node, sugar.Named("api"))
			node.OnTransition = apiServer.BroadcastSession
			node.OnOrder = apiServer.BroadcastOrder

			apiErr := make(chan error, 1)
			go func() {
				err := apiServer.Start(ctx, cfg.Node.APIAddr)
				if err != nil {
					sugar.Errorw("api_server_failed", "err", err)
					stop()
				}
				apiErr <- err
			}()

			sugar.Infow("node_starting",
				"pubkey", node.Identity().PublicKey(),
				"relays", cfg.Relay.URLs,
				"libp2p", cfg.Relay.Libp2pListen,
				"api_addr", cfg.Node.APIAddr,
				"data_dir", cfg.Node.DataDir)
			node.Run(ctx)
			return <-apiErr
		},
	}
}

// newLogger writes to stdout and, for a node, to the rotating log file.
func newLogger(cfg params.Config, withFile bool) (*zap.Logger, error) {
	level := cfg.Node.LogLevel
	if cfg.Node.Verbose {
		level = "debug"
	}
	if !withFile || cfg.Node.LogFile == "" {
		return util.NewLogger(level)
	}
	return util.NewLoggerWithFile(util.FileSink{
		Path:       cfg.Node.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	}, level)
}
