package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envPath    string
)

func main() {
	root := &cobra.Command{
		Use:          "tradewire",
		Short:        "Peer-to-peer order negotiation node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&envPath, "env", "", ".env file (default ./.env when present)")

	root.AddCommand(keygenCmd(), serveCmd(), relayCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
