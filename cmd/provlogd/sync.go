package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provlog/internal/ingest/spool"
	"provlog/internal/peersync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy records the local store lacks from a peer into the spool",
	Long: "Ask --peer for every record it holds that the local store lacks and write them " +
		"to the spool as LOG lines. The running engine stores them under their original identifiers.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if peerAddr == "" {
			return errors.New("--peer is required")
		}
		cfg, log, store, local, err := loadLocal(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		compression, err := spool.ParseCompression(cfg.Spool.Compression)
		if err != nil {
			return err
		}
		w, err := spool.NewWriter(cfg.Spool.Dir, "peer", compression)
		if err != nil {
			return err
		}
		n, err := peersync.NewClient(peerAddr, peerToken, log).Pull(cmd.Context(), local, func(lines []string) error {
			path, err := w.WriteFile(lines)
			if err == nil {
				log.Debug("spooled peer records", zap.String("file", path), zap.Int("lines", len(lines)))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("pull from %s after %d lines: %w", peerAddr, n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "spooled %d records from %s\n", n, peerAddr)
		return nil
	},
}
