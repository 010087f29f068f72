// blockwire client: opens block streams, fetches chunks, sends RPCs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dev.c0redev.blockwire/internal/client"
	"dev.c0redev.blockwire/internal/config"
	"dev.c0redev.blockwire/internal/logging"
)

var (
	cfgFile string
	addr    string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "blockwire-client",
	Short:         "Fetch blocks and call RPCs on a blockwire server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "blockwire.yaml", "config file (missing file = defaults)")
	rootCmd.PersistentFlags().StringVar(&addr, "server", "", "server address (overrides addr in config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the command")
}

// connect dials the configured server. The returned closer releases the
// client, key ring and log file.
func connect(ctx context.Context) (*client.Client, *slog.Logger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	log, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logging: %w", err)
	}
	keys, err := cfg.KeyRing(false)
	if err != nil {
		logCloser.Close()
		return nil, nil, nil, err
	}
	c, err := client.Dial(ctx, cfg.Addr, client.Options{
		Network:      cfg.Network,
		Keys:         keys,
		RateLimit:    cfg.RateLimit.BytesPerSec,
		RateBurst:    cfg.RateLimit.Burst,
		MaxFrameSize: cfg.MaxFrameSize,
		Logger:       log,
	})
	if err != nil {
		if keys != nil {
			keys.Destroy()
		}
		logCloser.Close()
		return nil, nil, nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	closeAll := func() {
		if err := c.Close(); err != nil {
			log.Debug("close client", "error", err)
		}
		if keys != nil {
			keys.Destroy()
		}
		logCloser.Close()
	}
	return c, log, closeAll, nil
}

// withClient runs fn under the --timeout deadline with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, log *slog.Logger) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, log, closeAll, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeAll()
	return fn(ctx, c, log)
}

func output(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
