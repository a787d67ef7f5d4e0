// Package main runs the pilgrim API server.
//
// The server confirms check-ins, manages squads and hosts the squad command
// channel. Settings come from PILGRIM_* environment variables; a few can be
// overridden on the command line.
//
// Usage:
//
//	pilgrim-server [options]
//
// Options:
//
//	-addr ADDR          Listen address (env: PILGRIM_ADDR, default :8080)
//	-log-level LEVEL    debug, info, warn or error (env: PILGRIM_LOG_LEVEL)
//	-log-json           Log JSON instead of text
//	-catalog PATH       Target catalog YAML (env: PILGRIM_CATALOG, default embedded)
//	-migrate            Create database schemas before serving
//
// Storage:
//
//	PILGRIM_PG_HOST, PILGRIM_PG_PORT, PILGRIM_PG_DATABASE, PILGRIM_PG_USER,
//	PILGRIM_PG_PASSWORD select PostgreSQL. PILGRIM_CH_HOST enables the
//	ClickHouse mirror of the after-action record.
//
// Squads:
//
//	PILGRIM_NATS_URL relays squad events between server instances.
//	PILGRIM_TOKENS is the "token=user,..." table used to authenticate clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/api"
	"pilgrim_sync/internal/catalog"
	"pilgrim_sync/internal/checkin"
	"pilgrim_sync/internal/config"
	"pilgrim_sync/internal/logging"
	"pilgrim_sync/internal/metrics"
	"pilgrim_sync/internal/otel"
	"pilgrim_sync/internal/squad"
	"pilgrim_sync/internal/storage"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Log JSON instead of text")
	catalogPath := flag.String("catalog", cfg.CatalogPath, "Target catalog YAML (default: embedded)")
	migrate := flag.Bool("migrate", false, "Create database schemas before serving")
	flag.Parse()

	cfg.Addr = *addr
	cfg.CatalogPath = *catalogPath

	logger, err := logging.New(os.Stderr, *logLevel, *logJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, *migrate, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, migrate bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "pilgrim-server")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := storage.Open(openCtx, cfg.Storage())
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if migrate {
		if err := db.CreateSchemas(ctx); err != nil {
			return err
		}
		logger.Info("schemas ready")
	}

	targets := catalog.Default()
	if cfg.CatalogPath != "" {
		if targets, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
	}
	targets.OnReload(func(n int) { logger.Info("target catalog loaded", "targets", n) })

	tokens, err := api.ParseStaticTokens(cfg.Tokens)
	if err != nil {
		return fmt.Errorf("PILGRIM_TOKENS: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("no client tokens configured; every authenticated route will refuse requests")
	}

	m := metrics.New()
	bgCtx, cancelBg := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelBg()
		wg.Wait()
	}()

	var record aar.Store = db.PG
	if db.CH != nil {
		mirror := aar.NewMirror(db.CH, logger, cfg.MirrorBatch, cfg.MirrorInterval)
		record = aar.WithMirror(db.PG, mirror)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(bgCtx)
		}()
		logger.Info("after-action record mirrored to ClickHouse")
	}

	var bus squad.Bus
	if cfg.NATSURL != "" {
		instance := cfg.InstanceID
		if instance == "" {
			instance = uuid.NewString()
		}
		nc, err := squad.ConnectNATS(cfg.NATSURL, "pilgrim-server-"+instance)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		bus = squad.NewNATSBus(nc, instance, logger)
		logger.Info("squad relay enabled", "nats", cfg.NATSURL, "instance", instance)
	}

	hub := squad.NewHub(squad.Options{
		Directory:         db.PG,
		Store:             record,
		Presence:          db.PG,
		Bus:               bus,
		Metrics:           m,
		Logger:            logger,
		CatchUp:           cfg.CatchUp,
		RallyRadiusMeters: cfg.RallyRadius,
		PresenceInterval:  cfg.PresenceInterval,
		RoomIdle:          cfg.RoomIdle,
	})
	defer hub.Close()

	if cfg.CatalogPath != "" && cfg.CatalogWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := targets.Watch(bgCtx, cfg.CatalogPath, logger); err != nil {
				logger.Warn("catalog watch stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(api.Config{
		Addr:     cfg.Addr,
		CheckIns: checkin.NewService(db.PG, targets, logger),
		Targets:  targets,
		Hub:      hub,
		Record:   record,
		Auth:     tokens,
		Metrics:  m,
		Logger:   logger,
		Ready:    db.PG.Ping,
	})
	return server.Run(ctx)
}
