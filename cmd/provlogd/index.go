package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provlog/internal/config"
	"provlog/internal/peersync"
	"provlog/internal/rangeset"
	"provlog/internal/storage/sqlite"
)

var (
	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Rebuild the identifier index from the store and print it",
		Long: "Rebuild the identifier index from the store and print its text form. " +
			"With --peer, also print the identifiers the peer holds that the local store lacks.",
		Args: cobra.NoArgs,
		RunE: runIndex,
	}

	peerAddr  string
	peerToken string
)

func init() {
	for _, c := range []*cobra.Command{indexCmd, syncCmd} {
		c.Flags().StringVar(&peerAddr, "peer", "", "peer sync address (host:port)")
		c.Flags().StringVar(&peerToken, "token", "", "peer sync auth token")
	}
}

// loadLocal opens the configured store and rebuilds its index. The caller
// closes the returned store.
func loadLocal(cmd *cobra.Command) (config.Config, *zap.Logger, *sqlite.Store, *rangeset.RangeSet, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	log, err := cfg.Log.BuildLogger()
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return cfg, log, nil, nil, fmt.Errorf("open store: %w", err)
	}
	cfg.Retention.Enabled = false
	e, err := newEngine(cfg, store, log, nil)
	if err == nil {
		err = e.Rebuild(cmd.Context())
	}
	if err != nil {
		_ = store.Close()
		return cfg, log, nil, nil, err
	}
	return cfg, log, store, e.Index(), nil
}

func runIndex(cmd *cobra.Command, _ []string) error {
	_, log, store, local, err := loadLocal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "local\t%d\t%s\n", local.Cardinality(), local)
	if peerAddr == "" {
		return nil
	}
	missing, err := peersync.NewClient(peerAddr, peerToken, log).FetchMissing(cmd.Context(), local)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "missing\t%d\t%s\n", missing.Cardinality(), missing)
	return nil
}
