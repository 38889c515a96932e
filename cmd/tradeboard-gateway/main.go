package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tradeboard/internal/api"
	"tradeboard/internal/app"
	"tradeboard/internal/cache"
	"tradeboard/internal/config"
	"tradeboard/internal/metrics"
	"tradeboard/internal/snapshot"
	"tradeboard/internal/util"
)

func main() {
	cfgPath := os.Getenv("TRADEBOARD_CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	a := app.New(cfg, collector, logger)

	var snap *snapshot.Store
	if cfg.Snapshot.SQLitePath != "" {
		snap = openSnapshot(cfg.Snapshot.SQLitePath, a.Store, logger)
		if snap != nil {
			defer snap.Close()
		}
	}

	deps := api.Deps{
		Manager:  a.Manager,
		Cache:    a.Store,
		Gatherer: reg,
		Gauge:    collector,
		Log:      logger,
	}
	if snap != nil {
		// Closing sessions unsubscribes their widgets and empties the cache,
		// so the snapshot is taken first.
		deps.BeforeShutdown = func(ctx context.Context) {
			saveSnapshot(ctx, snap, a.Store, logger)
		}
	}
	srv := api.NewServer(cfg.Server, deps)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("tradeboard gateway starting",
		"environment", cfg.Environment,
		"api", cfg.API.BaseURL,
		"channel", cfg.Channel.URL,
	)
	a.Manager.Start(ctx)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down tradeboard gateway")
	a.Manager.Shutdown()
}

// openSnapshot opens the warm cache database and seeds store from it. A
// snapshot that cannot be opened or read is logged and skipped.
func openSnapshot(path string, store *cache.Store, logger *slog.Logger) *snapshot.Store {
	snap, err := snapshot.Open(path)
	if err != nil {
		logger.Warn("opening cache snapshot", "path", path, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := snap.Load(ctx)
	if err != nil {
		logger.Warn("loading cache snapshot", "path", path, "error", err)
		return snap
	}
	logger.Info("warmed cache from snapshot", "entries", snapshot.Restore(store, records))
	return snap
}

// saveSnapshot writes every cached feed to snap.
func saveSnapshot(ctx context.Context, snap *snapshot.Store, store *cache.Store, logger *slog.Logger) {
	records := snapshot.Capture(store)
	if err := snap.Save(ctx, records); err != nil {
		logger.Error("saving cache snapshot", "error", err)
		return
	}
	logger.Info("saved cache snapshot", "entries", len(records))
}
