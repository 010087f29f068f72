package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dev.c0redev.blockwire/internal/client"
	"dev.c0redev.blockwire/internal/proto"
)

var (
	appID   string
	outPath string
)

var openCmd = &cobra.Command{
	Use:   "open <block-id>...",
	Short: "Open a stream over blocks and print its handle",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if appID == "" {
			return fmt.Errorf("--app flag is required")
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *slog.Logger) error {
			h, err := c.OpenBlocks(ctx, appID, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stream %d chunks %d\n", h.StreamID, h.NumChunks)
			return nil
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <block-id>...",
	Short: "Fetch blocks in order and write their bytes to --out (default stdout)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if appID == "" {
			return fmt.Errorf("--app flag is required")
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, log *slog.Logger) error {
			h, err := c.OpenBlocks(ctx, appID, args)
			if err != nil {
				return err
			}
			w, closeOut, err := output(cmd, outPath)
			if err != nil {
				return err
			}
			var total int64
			for i := int32(0); i < h.NumChunks; i++ {
				id := proto.StreamChunkID{StreamID: h.StreamID, ChunkIndex: i}
				body, err := c.FetchChunk(ctx, id)
				if err != nil {
					closeOut()
					return fmt.Errorf("chunk %s: %w", id, err)
				}
				if _, err := w.Write(body); err != nil {
					closeOut()
					return err
				}
				total += int64(len(body))
			}
			log.Info("fetched", "stream", h.StreamID, "chunks", h.NumChunks, "bytes", total)
			return closeOut()
		})
	},
}

var rpcCmd = &cobra.Command{
	Use:   "rpc [payload]",
	Short: "Send an RPC and print the response (payload from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 1 {
			payload = []byte(args[0])
		} else {
			b, err := readAll(cmd)
			if err != nil {
				return err
			}
			payload = b
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *slog.Logger) error {
			resp, err := c.Rpc(ctx, payload)
			if err != nil {
				return err
			}
			w, closeOut, err := output(cmd, outPath)
			if err != nil {
				return err
			}
			if _, err := w.Write(resp); err != nil {
				closeOut()
				return err
			}
			return closeOut()
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <payload>",
	Short: "Send a one-way message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *slog.Logger) error {
			return c.Send(ctx, []byte(args[0]))
		})
	},
}

func readAll(cmd *cobra.Command) ([]byte, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if st, err := f.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("no payload: pass an argument or pipe stdin")
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return b, nil
}

func init() {
	for _, c := range []*cobra.Command{openCmd, fetchCmd} {
		c.Flags().StringVar(&appID, "app", "", "application id")
	}
	fetchCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	rpcCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(openCmd, fetchCmd, rpcCmd, sendCmd)
}
