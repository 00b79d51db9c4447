package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/LatticeWorks/tether/ai"
	"github.com/LatticeWorks/tether/archive"
	"github.com/LatticeWorks/tether/artifacts"
	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/gateway"
	"github.com/LatticeWorks/tether/owners"
	"github.com/LatticeWorks/tether/service"
	"github.com/LatticeWorks/tether/syncer"
	"github.com/LatticeWorks/tether/tkv"
	"github.com/LatticeWorks/tether/transfers"
)

func main() {
	var configPath string
	var logLevel string
	flag.StringVar(&configPath, "config", "gateway.yaml", "Path to the gateway configuration file")
	flag.StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", logLevel)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
		Directory:      cfg.Store.Directory,
		AppCtx:         ctx,
		CacheTTL:       cfg.Store.CacheTTL,
	})
	if err != nil {
		logger.Error("Failed to open artifact database", "directory", cfg.Store.Directory, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	files := artifacts.New(logger, kv)
	versions := archive.New(logger, kv)
	ownerReg := owners.New(logger, kv)
	transferLog := transfers.New(logger, kv)

	// Any "online" rows surviving a previous run are stale; no session
	// can exist before the gateway starts accepting connections.
	if _, err := ownerReg.ResetStatuses(); err != nil {
		logger.Error("Failed to reset stale owner statuses", "error", err)
	}

	gw := gateway.New(ctx, logger, cfg.Sessions, ownerReg)
	orch := syncer.New(logger, kv, files, versions, ownerReg, transferLog, gw, cfg.Sync)
	gw.SetSink(orch)
	gw.SetInventory(orch)
	gw.Start()

	if cfg.DriverAuthor.Provider != "" {
		author, err := ai.NewAuthor(cfg.DriverAuthor, logger)
		if err != nil {
			logger.Error("Failed to configure driver author", "provider", cfg.DriverAuthor.Provider, "error", err)
			os.Exit(1)
		}
		orch.SetDriverAuthor(author)
		logger.Info("Driver author enabled", "provider", cfg.DriverAuthor.Provider)
	}

	svc := service.New(ctx, logger, cfg, orch, gw, ownerReg, files, versions, transferLog)

	color.HiGreen("tether gateway starting on %s", cfg.HttpBinding)
	svc.Run()

	// Drain session goroutines before the deferred store close; their
	// disconnect paths still write owner statuses.
	gw.Shutdown()

	logger.Info("Application exiting.")
}
