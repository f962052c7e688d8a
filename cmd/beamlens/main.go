// BeamLens agent server — collects runtime metrics, runs watchers and the
// anomaly detector, and serves the investigation HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/beamlens/beamlens/pkg/api"
	"github.com/beamlens/beamlens/pkg/config"
	"github.com/beamlens/beamlens/pkg/supervisor"
	"github.com/beamlens/beamlens/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNode determines the node identifier for cluster fan-out.
// Priority: NODE_ID env > HOSTNAME env > configured node name.
func resolveNode(configured string) string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return configured
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	listen := flag.String("listen", "", "Listen address override (e.g. :8080)")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting BeamLens",
		"version", version.Full(),
		"config_dir", *configDir)

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	cfg.Node = resolveNode(cfg.Node)
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup, err := supervisor.Start(ctx, cfg)
	if err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(sup)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(ctx, cfg.Listen); err != nil {
			errCh <- err
		}
	}()

	slog.Info("BeamLens started", "node", cfg.Node, "listen", cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	cancel() // drains the HTTP server
	sup.Stop()
	slog.Info("Shutdown complete")
}
