package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/tinywideclouds/go-push-gateway/pushgateway"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default $SYGNAL_CONF or sygnal.yaml)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("SYGNAL_CONF")
	}
	if path == "" {
		path = "sygnal.yaml"
	}

	logger := newLogger(os.Getenv("LOG_LEVEL"))

	yamlCfg, err := config.LoadYamlConfig(path)
	if err != nil {
		logger.Error("Failed to load config", "path", path, "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// The file-level log setting wins over the bootstrap env default.
	if cfg.LogLevel != "" {
		logger = newLogger(cfg.LogLevel)
	}

	svc, err := pushgateway.New(cfg, logger)
	if err != nil {
		logger.Error("Service startup failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("Service failed", "err", err)
		os.Exit(1)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown incomplete", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-gateway")
	slog.SetDefault(logger)
	return logger
}
