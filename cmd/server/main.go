// blockwire server: block streams and RPC over tcp/quic, optional admin API.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dev.c0redev.blockwire/internal/config"
	"dev.c0redev.blockwire/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "blockwire-server",
	Short:         "Serve file-backed blocks and RPC over framed connections",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "blockwire.yaml", "config file (missing file = defaults)")
	rootCmd.AddCommand(serveCmd, registerCmd, tokenCmd)
}

// setup loads config and the logger shared by every command.
func setup() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, log, closer, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
