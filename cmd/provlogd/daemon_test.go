package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"provlog/internal/config"
	"provlog/internal/domain"
	"provlog/internal/ingest/spool"
	"provlog/internal/peersync"
)

const pubLine = "1700000000000|PUB|p1|17|/publish/17/f1|PUT|application/octet-stream|1024|10.0.0.1|OK"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	return config.Config{
		Server:    config.ServerConfig{NodeID: "n1", Role: "primary"},
		Spool:     config.SpoolConfig{Dir: filepath.Join(root, "spool"), PollInterval: 10 * time.Millisecond, Lock: true},
		Storage:   config.StorageConfig{Path: filepath.Join(root, "db", "records.db")},
		Retention: config.RetentionConfig{Enabled: true, Interval: time.Hour, BatchSize: 1000},
		PeerSync:  config.PeerSyncConfig{Enabled: true, Address: "127.0.0.1:0"},
		Feature:   config.FeatureConfig{AllowMultipleAdapters: true},
	}
}

func TestDaemonIngestsSpoolAndServesIndex(t *testing.T) {
	cfg := testConfig(t)
	d, err := startDaemon(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	_, err = startDaemon(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.ErrorIs(t, err, spool.ErrLocked, "a second daemon must not consume the same spool")

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Spool.Dir, "a.log"), []byte(pubLine+"\n"), 0o644))
	require.Eventually(t, func() bool {
		n, err := d.store.CountRecords(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	var addr string
	require.Eventually(t, func() bool { addr = d.server.Addr(); return addr != "" }, time.Second, 5*time.Millisecond)
	idx, err := peersync.NewClient(addr, "", nil).FetchIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0", idx.String())
}

func TestDaemonServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerSync.Enabled = false
	cfg.Metrics = config.MetricsConfig{Enabled: true, Address: "127.0.0.1:0"}
	d, err := startDaemon(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Spool.Dir, "a.log"), []byte(pubLine+"\n"), 0o644))
	url := "http://" + d.metrics.Addr() + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), "provlog_loader_files_total 1")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsRequireRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerSync.Enabled = false
	cfg.Metrics = config.MetricsConfig{Enabled: true, Address: "127.0.0.1:0"}
	_, err := startDaemon(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.ErrorContains(t, err, "registry")
}

func TestStartFailureReleasesLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerSync.Enabled = false
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755))
	// A directory where the database file should be makes the store fail to open.
	require.NoError(t, os.MkdirAll(cfg.Storage.Path, 0o755))

	_, err := startDaemon(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.Error(t, err)

	lock, err := spool.Acquire(cfg.Spool.Dir)
	require.NoError(t, err, "failed start must release the spool lock")
	require.NoError(t, lock.Release())
}

func writeYAML(t *testing.T, cfg config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provlog.yaml")
	body := fmt.Sprintf("server:\n  node_id: %s\nspool:\n  dir: %s\nstorage:\n  path: %s\nlog:\n  level: error\n",
		cfg.Server.NodeID, cfg.Spool.Dir, cfg.Storage.Path)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	peerAddr, peerToken = "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIndexAndSyncCommands(t *testing.T) {
	// The peer: a running daemon whose store already holds ids 0-2.
	peerCfg := testConfig(t)
	seed, err := openStore(peerCfg)
	require.NoError(t, err)
	for id := uint64(0); id < 3; id++ {
		require.NoError(t, seed.InsertRecord(context.Background(), id, domain.Row{Type: domain.TypePublish, EventTimeMs: 1700000000000, PublishID: "p"}))
	}
	require.NoError(t, seed.Close())
	peer, err := startDaemon(context.Background(), peerCfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, peer.Close()) }()
	require.Eventually(t, func() bool { return peer.server.Addr() != "" }, time.Second, 5*time.Millisecond)

	local := testConfig(t)
	require.NoError(t, os.MkdirAll(local.Spool.Dir, 0o755))
	path := writeYAML(t, local)

	out, err := execute(t, "index", "--config", path, "--peer", peer.server.Addr())
	require.NoError(t, err)
	require.Contains(t, out, "local\t0\t\n")
	require.Contains(t, out, "missing\t3\t0-2\n")

	out, err = execute(t, "sync", "--config", path, "--peer", peer.server.Addr())
	require.NoError(t, err)
	require.Contains(t, out, "spooled 3 records")
	files, err := spool.ReadyFiles(local.Spool.Dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Contains(t, files[0].Name, "-peer-")
}

func TestSyncRequiresPeer(t *testing.T) {
	_, err := execute(t, "sync", "--config", "unused.yaml")
	require.ErrorContains(t, err, "--peer")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "provlogd dev\n", out)
}
