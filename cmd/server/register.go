package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/server/auth"
	"dev.c0redev.blockwire/internal/store"
)

var (
	regApp    string
	regOffset int64
	regLength int64
)

var registerCmd = &cobra.Command{
	Use:   "register <block-id> <file>",
	Short: "Register a file byte range as a block",
	Long:  "Register a byte range of a local file as a block. --length -1 (default) runs to the end of the file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if regApp == "" {
			return fmt.Errorf("--app flag is required")
		}
		cfg, _, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", path)
		}
		length := regLength
		if length < 0 {
			length = st.Size() - regOffset
		}
		if regOffset < 0 || length < 0 || regOffset+length > st.Size() {
			return fmt.Errorf("%w: [%d, %d) outside %s (%d bytes)", store.ErrBadRange, regOffset, regOffset+length, path, st.Size())
		}
		if limit := proto.MaxChunkSize(cfg.MaxFrameSize); length > limit {
			return fmt.Errorf("%w: length %d exceeds the frame limit %d; raise max_frame_size or split the block", store.ErrBadRange, length, limit)
		}

		db, err := store.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		b := store.Block{AppID: regApp, ID: args[0], Path: path, Offset: regOffset, Length: length}
		if err := db.PutBlock(b); err != nil {
			return fmt.Errorf("register block: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s -> %s [%d+%d]\n", b.AppID, b.ID, b.Path, b.Offset, b.Length)
		return nil
	},
}

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List the blocks registered for --app",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if regApp == "" {
			return fmt.Errorf("--app flag is required")
		}
		cfg, _, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()
		db, err := store.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		blocks, err := db.BlocksByApp(regApp)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BLOCK\tPATH\tOFFSET\tLENGTH")
		for _, b := range blocks {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", b.ID, b.Path, b.Offset, b.Length)
		}
		return tw.Flush()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an admin API token and the bcrypt hash for api.token_hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := auth.NewToken()
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(tok)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token: %s\ntoken_hash: %s\n", tok, hash)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, blocksCmd} {
		c.Flags().StringVar(&regApp, "app", "", "application id")
	}
	registerCmd.Flags().Int64Var(&regOffset, "offset", 0, "first byte of the block")
	registerCmd.Flags().Int64Var(&regLength, "length", -1, "block length in bytes (-1 = to end of file)")
	rootCmd.AddCommand(blocksCmd)
}
