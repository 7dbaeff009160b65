// Package main is the entry point for the flusso ingress proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "flusso: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cliFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(flags, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// client-go and controller-runtime log through the same zap core.
	logr := observability.LogrLogger(logger)
	ctrllog.SetLogger(logr)
	klog.SetLogger(logr)

	logger.Info("starting flusso",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("routes", len(cfg.Routes)),
	)

	client, err := newKubeClient(cfg.Kubernetes)
	if err != nil {
		logger.Error("failed to create kubernetes client", observability.Error(err))
		return err
	}

	app, err := newApplication(cfg, logger, client)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx, flags.configPath); err != nil {
		logger.Error("flusso stopped with error", observability.Error(err))
		return err
	}

	logger.Info("flusso stopped")
	return nil
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("FLUSSO_CONFIG", "configs/flusso.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("FLUSSO_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := flag.String("log-format", getEnvOrDefault("FLUSSO_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("flusso version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the process logger. Flags win over the file.
func initLogger(flags cliFlags, cfg config.LoggingConfig) (observability.Logger, error) {
	logCfg := observability.DefaultLogConfig()
	if cfg.Level != "" {
		logCfg.Level = cfg.Level
	}
	if cfg.Format != "" {
		logCfg.Format = cfg.Format
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return observability.NewLogger(logCfg)
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
