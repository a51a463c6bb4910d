package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shelftag/internal/agent"
	"shelftag/internal/config"
	"shelftag/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a YAML or JSON config file (defaults are used when empty)")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	logLevel := flag.String("log-level", "", "Override log_level (debug, info, warn, error)")
	once := flag.Bool("once", false, "Run a single acquisition cycle and synchronizer step, then exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, logger, agent.Options{Version: version})
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	if *once {
		outcome, err := a.Step(ctx)
		if err != nil {
			logger.Warn("poll failed", "err", err)
		}
		logger.Info("cycle processed", "outcome", outcome)
		if err := a.Close(); err != nil {
			logger.Error("shutdown", "err", err)
		}
		return
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shelftag stopped")
}
