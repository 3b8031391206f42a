package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"provlog/internal/config"
	"provlog/internal/ingest/kafka"
	"provlog/internal/ingest/rabbitmq"
	"provlog/internal/ingest/spool"
	"provlog/internal/loader"
	"provlog/internal/peersync"
	"provlog/internal/retention"
	"provlog/internal/storage/sqlite"
)

// daemon owns every long-lived component of a running node.
type daemon struct {
	log *zap.Logger

	lock     *spool.Lock
	store    *sqlite.Store
	engine   *loader.Engine
	server   *peersync.Server
	kafka    *kafka.Adapter
	rabbitmq *rabbitmq.Adapter
	metrics  *metricsServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	return sqlite.NewStore(cfg.Storage.Path, sqlite.Options{
		MaxOpenConns:   cfg.Storage.MaxOpenConns,
		BorrowAttempts: cfg.Storage.BorrowAttempts,
		BorrowBackoff:  cfg.Storage.BorrowBackoff,
	})
}

func newEngine(cfg config.Config, store *sqlite.Store, log *zap.Logger, reg prometheus.Registerer) (*loader.Engine, error) {
	var policy *retention.Policy
	if cfg.Retention.Enabled {
		policy = retention.New(retention.ParseThreshold(cfg.Retention.Threshold, log), cfg.Retention.BatchSize, log)
	}
	return loader.New(loader.Options{
		SpoolDir:      cfg.Spool.Dir,
		Store:         store,
		Role:          cfg.Role(),
		Retention:     policy,
		PruneInterval: cfg.Retention.Interval,
		PollInterval:  cfg.Spool.PollInterval,
		ChunkSize:     cfg.Index.ChunkSize,
		Log:           log,
		Registerer:    reg,
	})
}

// startDaemon brings components up in dependency order. On failure whatever
// was already started is closed again.
func startDaemon(parent context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (_ *daemon, err error) {
	ctx, cancel := context.WithCancel(parent)
	d := &daemon{log: log, cancel: cancel}
	defer func() {
		if err != nil {
			err = multierror.Append(err, d.Close()).ErrorOrNil()
		}
	}()

	if err := os.MkdirAll(cfg.Spool.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if cfg.Spool.Lock {
		if d.lock, err = spool.Acquire(cfg.Spool.Dir); err != nil {
			return nil, err
		}
	}
	if d.store, err = openStore(cfg); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if d.engine, err = newEngine(cfg, d.store, log, reg); err != nil {
		return nil, err
	}
	if err := d.engine.Start(ctx); err != nil {
		return nil, err
	}

	if cfg.PeerSync.Enabled {
		d.server = peersync.NewServer(peersync.Config{
			Address:    cfg.PeerSync.Address,
			AuthToken:  cfg.PeerSync.AuthToken,
			MaxRecords: cfg.PeerSync.MaxRecords,
		}, d.engine, d.store, log)
		d.goRun("peersync", func() error { return d.server.Start(ctx) })
	}

	if cfg.Metrics.Enabled {
		g, ok := reg.(prometheus.Gatherer)
		if !ok {
			return nil, errors.New("metrics enabled without a gathering registry")
		}
		if d.metrics, err = listenMetrics(cfg.Metrics.Address, g, log); err != nil {
			return nil, err
		}
		d.goRun("metrics", d.metrics.Serve)
	}

	compression, err := spool.ParseCompression(cfg.Spool.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.Ingest.Kafka.Enabled {
		w, err := spool.NewWriter(cfg.Spool.Dir, "kafka", compression)
		if err != nil {
			return nil, err
		}
		if d.kafka, err = kafka.NewAdapter(cfg.Ingest.Kafka, w, log); err != nil {
			return nil, err
		}
		d.goRun("kafka", func() error { return d.kafka.Start(ctx) })
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		w, err := spool.NewWriter(cfg.Spool.Dir, "rabbitmq", compression)
		if err != nil {
			return nil, err
		}
		if d.rabbitmq, err = rabbitmq.NewAdapter(cfg.Ingest.RabbitMQ, w, log); err != nil {
			return nil, err
		}
		if err := d.rabbitmq.Start(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) goRun(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("component stopped", zap.String("component", name), zap.Error(err))
		}
	}()
}

// Close stops intake first so nothing lands in the spool after the engine
// has stopped, then releases storage and the spool lock.
func (d *daemon) Close() error {
	var result *multierror.Error
	if d.rabbitmq != nil {
		if err := d.rabbitmq.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close rabbitmq: %w", err))
		}
	}
	if d.kafka != nil {
		d.kafka.Close()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close peersync: %w", err))
		}
	}
	if d.metrics != nil {
		if err := d.metrics.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close metrics: %w", err))
		}
	}
	d.cancel()
	d.wg.Wait()
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release spool lock: %w", err))
		}
	}
	return result.ErrorOrNil()
}
