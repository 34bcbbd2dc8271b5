package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/throttler"
)

// daemonDeps bundles the catalog, raw connection pool, image pool and
// throttler every standalone daemon subcommand needs, opened once from
// --config-file.
type daemonDeps struct {
	cfg       *config.Config
	registry  *catalog.PoolRegistry
	catalog   *catalog.Catalog
	pgPool    *pgxpool.Pool
	imgPool   pool.Pool
	throttler throttler.Throttler
}

// openDaemonDeps loads configPath and wires every collaborator a daemon
// subcommand needs. Callers must call close() before returning.
func openDaemonDeps(ctx context.Context, configPath string) (*daemonDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	registry := catalog.NewPoolRegistry()

	cat, err := catalog.New(ctx, registry, cfg.Database.DB, cfg.Database.ApplicationName)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.Database.DB)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}

	imgPool, err := pool.New(cfg.ShardsPool, cfg.Shards.MaxSize)
	if err != nil {
		pgPool.Close()
		cat.Close()
		return nil, fmt.Errorf("open image pool: %w", err)
	}

	th, err := throttler.New(ctx, cfg.Throttler)
	if err != nil {
		pgPool.Close()
		cat.Close()
		return nil, fmt.Errorf("open throttler: %w", err)
	}

	return &daemonDeps{
		cfg:       cfg,
		registry:  registry,
		catalog:   cat,
		pgPool:    pgPool,
		imgPool:   imgPool,
		throttler: th,
	}, nil
}

func (d *daemonDeps) close() {
	d.throttler.Close()
	d.pgPool.Close()
	d.catalog.Close()
}

// signalStop wires SIGINT/SIGTERM into an atomic flag that a daemon's
// loop callbacks (stop_packing/stop_cleaning/stop_running) consult at
// each iteration boundary, per the specification's cooperative-shutdown
// contract.
func signalStop() func() bool {
	var stopped atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping at next loop boundary")
		stopped.Store(true)
	}()
	return stopped.Load
}

// serveMetrics starts the Prometheus handler in the background if
// --metrics-addr was set, and does nothing otherwise.
func serveMetrics(cmd *cobra.Command) {
	addr, _ := cmd.Root().PersistentFlags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
}

func configFileFlag(cmd *cobra.Command) {
	cmd.Flags().String("config-file", "", "Path to the Winery YAML configuration file")
	_ = cmd.MarkFlagRequired("config-file")
}
