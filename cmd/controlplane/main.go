package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gamedock/gamedock/internal/auth"
	"github.com/gamedock/gamedock/internal/catalog"
	"github.com/gamedock/gamedock/internal/config"
	"github.com/gamedock/gamedock/internal/db"
	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/review"
	"github.com/gamedock/gamedock/internal/server"
	"github.com/gamedock/gamedock/internal/store"
)

const ConfigPath = "config/controlplane.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("gamedock control plane starting")

	// Load config
	cfgPath := ConfigPath
	if p := os.Getenv("GAMEDOCK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded", "bind", cfg.BindAddress, "port", cfg.Port, "report_port", cfg.ReportPort)

	// Open the embedded databases and apply migrations
	stores, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening databases: %w", err)
	}
	defer stores.Close()
	slog.Info("databases ready", "dir", cfg.DataDir)

	// Package store for published game trees
	packages, err := store.New(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("opening package store: %w", err)
	}
	slog.Info("package store ready", "dir", cfg.BaseDir)

	// Wire the services
	authenticator := auth.New(db.NewSQLiteUserRepository(stores.Auth))
	games := catalog.New(db.NewSQLiteGameRepository(stores.Game))
	reviews := review.New(db.NewSQLiteReviewRepository(stores.Reviews), games)
	rooms := lobby.NewRegistry()
	launch := launcher.New(launcher.Options{
		AdvertiseHost:    cfg.AdvertiseHost,
		BindHost:         cfg.BindAddress,
		ReportHost:       cfg.AdvertiseHost,
		ReportPort:       cfg.ReportPort,
		HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		StartTimeout:     time.Duration(cfg.StartTimeoutSec) * time.Second,
		ProtocolVersion:  cfg.ProtocolVersion,
	}, packages, rooms, reviews)

	controlPlane := server.New(cfg, authenticator, games, reviews, packages, rooms, launch)
	reportServer := launcher.NewReportServer(
		net.JoinHostPort(cfg.ReportBindAddress, fmt.Sprint(cfg.ReportPort)), launch)

	// Control plane, report channel and watchdog run in parallel
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := controlPlane.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := reportServer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("report channel: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := launch.RunWatchdog(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watchdog: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
