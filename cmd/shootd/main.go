// Command shootd runs one process of the perpetuals system: a ledger node,
// the computation cluster, a trading client or the all-in-one demo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/shootperps/internal/app"
	"github.com/alanyoungcy/shootperps/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shootd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	mode := flag.String("mode", "", "override the configured mode (node, cluster, client, demo)")
	flag.Parse()

	// Level is adjustable once the config is known.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config %q: %w", *configPath, err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("shootd starting", slog.String("mode", cfg.Mode), slog.String("config", *configPath))
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	defer a.Close()

	err = a.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shootd exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shootd stopped")
	return nil
}
