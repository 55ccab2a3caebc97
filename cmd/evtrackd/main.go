// evtrackd is the EV telemetry pipeline daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/feed"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/metrics"
	"github.com/xtxerr/evtrack/internal/server"
	"github.com/xtxerr/evtrack/internal/storage"
	"github.com/xtxerr/evtrack/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "evtrackd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	registry := flag.String("registry", "", "schema registry file (overrides config)")
	replay := flag.Bool("replay", true, "replay the journal on startup")
	importPath := flag.String("import", "", "ingest newline-delimited envelopes from a file (- for stdin) before serving")
	flag.Parse()

	// Load config
	noConfig := false
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultConfig()
		noConfig = true
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *registry != "" {
		cfg.RegistryPath = *registry
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("evtrackd starting", "version", Version, "data_dir", cfg.DataDir)
	if noConfig {
		log.Info("no config file found, using defaults", "path", *cfgPath)
	}

	// =========================================================================
	// Initialize Storage (partitions, summary, journal, ingestion, queries)
	// =========================================================================

	m := metrics.New()
	svc, err := storage.New(cfg, storage.Options{Metrics: m})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			log.Warn("storage stop", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*replay {
		if _, err := svc.Aggregator().RefreshAll(); err != nil {
			return fmt.Errorf("refresh rollups: %w", err)
		}
	} else {
		result, err := svc.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		log.Info("journal replayed",
			"packets", result.Packets.Total(),
			"stored", result.Packets.Stored,
			"rejected", result.Packets.Rejected,
			"torn_segments", result.Torn)
	}

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}

	if *importPath != "" {
		if err := importFile(ctx, *importPath, svc); err != nil {
			return err
		}
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})

	if cfg.HTTP.Listen != "" {
		maxBody, err := config.ParseByteSize(cfg.HTTP.MaxBodySize)
		if err != nil {
			return fmt.Errorf("http.max_body_size: %w", err)
		}

		srv := server.New(&server.Config{
			Query:        svc.Query(),
			Aggregator:   svc.Aggregator(),
			Ingest:       svc.Ingestion(),
			Metrics:      m,
			Backpressure: svc.Backpressure(),
			Listen:       cfg.HTTP.Listen,
			MaxBodySize:  maxBody,
			DrainTimeout: cfg.HTTP.DrainTimeout,
		})
		g.Go(func() error {
			return srv.Run(ctx)
		})
	} else {
		log.Info("http server disabled")
	}

	if cfg.Feed.Kafka.Enabled {
		src, err := feed.NewKafkaSource(cfg.Feed.Kafka, svc.Ingestion())
		if err != nil {
			return fmt.Errorf("create kafka source: %w", err)
		}
		defer src.Close()
		src.SetThrottle(svc.Backpressure())

		log.Info("consuming feed", "brokers", cfg.Feed.Kafka.Brokers, "topic", cfg.Feed.Kafka.Topic)
		g.Go(func() error {
			return src.Run(ctx)
		})
	}

	err = g.Wait()
	log.Info("shutting down", "stats", svc.Ingestion().Stats())
	return err
}

func importFile(ctx context.Context, path string, svc *storage.Service) error {
	log := logging.Component("main")

	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		in = f
	}

	src := feed.NewLineSource(in, svc.Ingestion())
	if err := src.Run(ctx); err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}

	stats := src.Stats()
	log.Info("import complete",
		"path", path,
		"messages", stats.Messages,
		"malformed", stats.Malformed)
	return nil
}
