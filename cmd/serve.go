package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/auth"
	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/gateway"
	"github.com/gravitygw/gravity-gateway/internal/monitoring"
	"github.com/gravitygw/gravity-gateway/internal/pool"
	"github.com/gravitygw/gravity-gateway/internal/signature"
	"github.com/gravitygw/gravity-gateway/internal/store"
	"github.com/gravitygw/gravity-gateway/internal/upstream"
)

func runServeCommand(args []string) {
	configPath := "config.yaml"
	portOverride := 0
	strategyOverride := ""

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-c", "--config":
			if i+1 >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i+1]
			i += 2
		case "-p", "--port":
			if i+1 >= len(args) {
				fatal("--port requires a value")
			}
			port, err := strconv.Atoi(args[i+1])
			if err != nil {
				fatal("invalid port %q", args[i+1])
			}
			portOverride = port
			i += 2
		case "-s", "--strategy":
			if i+1 >= len(args) {
				fatal("--strategy requires a value")
			}
			strategyOverride = args[i+1]
			i += 2
		case "-h", "--help":
			printUsage()
			return
		default:
			fatal("unknown flag %q", args[i])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}
	if strategyOverride != "" {
		cfg.Accounts.Strategy = strategyOverride
	}
	setupLogging(cfg.LogLevel)

	accountStore := store.New(cfg.Accounts.Path)
	file, err := accountStore.Load()
	if err != nil {
		fatal("%v", err)
	}
	if len(file.Accounts) == 0 {
		log.Warn().Str("path", cfg.Accounts.Path).Msg("no accounts configured, add one with: gravity-gateway accounts add")
	}

	strategy, err := pool.NewStrategy(cfg.Accounts)
	if err != nil {
		fatal("%v", err)
	}
	accountPool := pool.New(file.Accounts, file.ActiveIndex, strategy, accountStore.Save,
		pool.WithDefaultCooldown(cfg.Accounts.DefaultCooldown))
	defer accountPool.Close()

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Enabled, cfg.Monitoring.LogToStdout, cfg.Monitoring.LogPath)
	if err != nil {
		fatal("%v", err)
	}

	var usageLog *monitoring.UsageLog
	if cfg.Monitoring.UsageDBPath != "" {
		usageLog, err = monitoring.OpenUsageLog(cfg.Monitoring.UsageDBPath)
		if err != nil {
			fatal("open usage database: %v", err)
		}
		defer usageLog.Close()
	}

	g := gateway.New(gateway.Options{
		Config:   cfg,
		Pool:     accountPool,
		Client:   upstream.NewClient(cfg.Upstream, auth.NewTokenSource()),
		Registry: signature.NewRegistry(config.ToolSignatureTTL, config.SignatureFamilyTTL),
		Tracker:  tracker,
		Metrics:  monitoring.NewMetricsCollector(),
		Usage:    usageLog,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("strategy", cfg.Accounts.Strategy).
		Int("accounts", accountPool.Len()).
		Msg("starting gravity-gateway")

	if err := g.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("shut down cleanly")
}
