// Blockidx indexer daemon.
//
// Usage:
//
//	blockidxd [options]   Run the indexer against a node
//	blockidxd --help      Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/indexer"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/query"
	"github.com/Klingon-tech/blockidx/internal/rpc"
	"github.com/Klingon-tech/blockidx/internal/store"
	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// pollInterval is how often the daemon asks the node for new work once
// it has caught up.
const pollInterval = 10 * time.Second

func main() {
	// ── 1. Load config (defaults -> file -> flags) ──────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/blockidxd.log"
	}
	if err := xlog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := xlog.WithComponent("main")

	net := &chaincfg.MainNetParams
	if cfg.Network == config.Testnet {
		net = &chaincfg.TestNet3Params
	}

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("datadir", cfg.ChainDataDir()).
		Bool("light_mode", cfg.LightMode).
		Msg("starting blockidxd")

	// ── 3. Open the store (four KV namespaces + completion sets) ────────
	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StoreDir()).Msg("failed to open store")
	}
	defer st.Close()

	if st.DoneInitialSync() {
		logger.Info().Int("headers", st.Headers.Len()).Msg("store resumed")
	} else {
		logger.Info().Msg("fresh install, starting from genesis")
	}

	// ── 4. Dial the node ─────────────────────────────────────────────────
	daemon, err := rpc.NewDaemon(cfg.Daemon)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.Daemon.RPCURL).Msg("failed to dial node")
	}
	defer daemon.Close()

	// ── 5. Metrics registry + exporter ───────────────────────────────────
	reg := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := reg.Serve(cfg.Metrics.Addr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics exporter listening")
	}

	// ── 6. Wire fetcher, query façade, indexer ───────────────────────────
	fetcher := fetch.New(daemon, cfg.BlkFilesDir, 500)
	q := query.New(st, daemon, reg, cfg, net)
	ix := indexer.New(st, fetcher, q, reg, cfg, net)

	// ── 7. Signal handling ────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// ── 8. Sync loop ──────────────────────────────────────────────────────
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	runUpdate := func() {
		tip, err := ix.Update(ctx, daemon)
		if err != nil {
			logger.Error().Err(err).Msg("update failed, will retry next tick")
			if err := daemon.Reconnect(); err != nil {
				logger.Error().Err(err).Msg("reconnect failed")
			}
			return
		}
		height, _ := q.BestHeight()
		logger.Info().
			Str("tip", tip.String()).
			Uint32("height", height).
			Int("added", st.AddedCount()).
			Int("indexed", st.IndexedCount()).
			Int("tweaked", st.TweakedCount()).
			Msg("update complete")
	}

	runUpdate()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopped")
			return
		case <-ticker.C:
			runUpdate()
		}
	}
}
