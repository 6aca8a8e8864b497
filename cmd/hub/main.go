// Command hub runs the wireclip sync hub: a process that bridges
// gossip topics with direct peer streams, persists room state, pins
// advertised content, and optionally serves a mirror-mode HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wireclip/sync/internal/contentclient"
	"wireclip/sync/internal/hub"
	"wireclip/sync/internal/httpapi"
	"wireclip/sync/internal/hubsession"
	"wireclip/sync/internal/localstore"
	"wireclip/sync/internal/metrics"
	"wireclip/sync/internal/store"
	"wireclip/sync/internal/transportp2p"
)

// Version is stamped at build time in a production release; left as a
// constant here since this exercise never invokes the Go toolchain.
const Version = "0.1.0-dev"

func main() {
	// Subcommands (status/rooms/pins) are dispatched before flag
	// parsing, matching this codebase's long-standing RunCLI pattern.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], defaultDataDir()) {
			return
		}
	}

	relayOnly := flag.Bool("relay-only", false, "run only the gossip/direct-stream aggregator")
	mirrorOnly := flag.Bool("mirror-only", false, "run only the mirror-mode HTTP content API")
	syncOnly := flag.Bool("sync-only", false, "run only the room-state sync aggregator and persistence")
	dataDir := flag.String("data-dir", envOr("DATA_DIR", defaultDataDir()), "directory for room state, the local room directory, and pinned content metadata")
	dbBackend := flag.String("db-backend", "file", "room-state persistence backend: file or kv")
	listenPort := flag.String("tcp-port", envOr("TCP_PORT", envOr("PORT", "0")), "libp2p TCP listen port (0 picks a random free port)")
	httpPort := flag.String("http-port", envOr("HTTP_PORT", "8089"), "mirror-mode HTTP listen port")
	metricsInterval := flag.Duration("metrics-interval", 10*time.Second, "interval between stats-log/metrics samples")
	flag.Parse()

	relay, mirror, sync := *relayOnly, *mirrorOnly, *syncOnly
	if !relay && !mirror && !sync {
		relay, mirror, sync = true, true, true
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		slog.Error("fatal startup error: create data dir", "dir", *dataDir, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	local, err := localstore.Open(filepath.Join(*dataDir, "rooms.db"))
	if err != nil {
		slog.Error("fatal startup error: open local room directory", "err", err)
		os.Exit(1)
	}
	defer local.Close()

	var persist store.PersistentStore
	switch *dbBackend {
	case "file":
		persist = store.NewFileStore(filepath.Join(*dataDir, "rooms"))
	case "kv":
		kv, err := store.NewKVStore(filepath.Join(*dataDir, "rooms.bolt"))
		if err != nil {
			slog.Error("fatal startup error: open kv store", "err", err)
			os.Exit(1)
		}
		persist = kv
	default:
		slog.Error("fatal startup error: unknown db backend", "backend", *dbBackend)
		os.Exit(1)
	}
	if err := persist.Init(ctx); err != nil {
		slog.Error("fatal startup error: init persistent store", "err", err)
		os.Exit(1)
	}
	defer persist.Close()

	// mirror-only has no libp2p host to hand bitswap, so it serves a
	// local-only content client: blocks it was directly uploaded to,
	// nothing fetched over the network.
	if !relay && !sync {
		content := contentclient.NewLocal()
		defer content.Close()
		api := httpapi.New(content, nil)
		slog.Info("mirror-only http api listening", "port", *httpPort)
		if err := api.Run(ctx, ":"+*httpPort); err != nil {
			slog.Error("http server stopped with error", "err", err)
			os.Exit(1)
		}
		return
	}

	tr, err := transportp2p.New(ctx, "/ip4/0.0.0.0/tcp/"+*listenPort)
	if err != nil {
		slog.Error("fatal startup error: start transport", "err", err)
		os.Exit(1)
	}
	defer tr.Close()
	slog.Info("peer id", "id", tr.Self())
	for _, a := range tr.Addrs() {
		slog.Info("listening", "addr", fmt.Sprintf("%s/p2p/%s", a, tr.Self()))
	}

	content, err := contentclient.New(ctx, tr.Host(), nil)
	if err != nil {
		slog.Error("fatal startup error: start content client", "err", err)
		os.Exit(1)
	}
	defer content.Close()

	h := hub.New(tr, content, persist, slog.Default())
	if err := h.Serve(ctx, hubsession.ProtocolID); err != nil {
		slog.Error("fatal startup error: serve direct-stream protocol", "err", err)
		os.Exit(1)
	}
	go h.RunStatsLog(ctx, *metricsInterval)

	collector := metrics.NewCollector(h, slog.Default())
	go collector.Run(ctx, *metricsInterval)

	if mirror {
		api := httpapi.New(content, h)
		go func() {
			if err := api.Run(ctx, ":"+*httpPort); err != nil {
				slog.Error("http server stopped with error", "err", err)
			}
		}()
		slog.Info("mirror http api listening", "port", *httpPort)
	}

	<-ctx.Done()
	slog.Info("hub stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	return "wireclip-data"
}
