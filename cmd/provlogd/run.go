package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provlog/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion engine until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log, err := cfg.Log.BuildLogger()
		if err != nil {
			return err
		}
		log = log.With(zap.String("node_id", cfg.Server.NodeID))
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		d, err := startDaemon(ctx, cfg, log, reg)
		if err != nil {
			return err
		}
		log.Info("provlogd started", zap.String("version", version), zap.Stringer("role", cfg.Role()))
		<-ctx.Done()
		log.Info("shutting down")
		return d.Close()
	},
}
