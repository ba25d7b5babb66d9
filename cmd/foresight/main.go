// Package main implements the unified foresight binary.
// This binary can run all three services (ingest, serve, train) concurrently
// or individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/foresight/foresight/internal/app"
	"github.com/foresight/foresight/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, serve, train")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the API server")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Foresight - Predictive Analytics For Business Metrics\n\n")
		fmt.Fprintf(os.Stderr, "Usage: foresight [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  foresight --data-dir /data/foresight\n")
		fmt.Fprintf(os.Stderr, "  foresight --mode serve --data-dir /data/foresight\n")
		fmt.Fprintf(os.Stderr, "  foresight --config /etc/foresight/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FORESIGHT_MODE          Service mode (all, ingest, serve, train)\n")
		fmt.Fprintf(os.Stderr, "  FORESIGHT_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  FORESIGHT_HTTP_ADDR     API server address\n")
		fmt.Fprintf(os.Stderr, "  FORESIGHT_STORAGE_TYPE  Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  MODEL_CACHE_TTL         Prediction cache TTL in seconds\n")
		fmt.Fprintf(os.Stderr, "  MODEL_RETRAIN_INTERVAL  Retrain interval in seconds\n")
		fmt.Fprintf(os.Stderr, "  FORECAST_HORIZON_DAYS   Maximum forecast horizon\n")
		fmt.Fprintf(os.Stderr, "  CONFIDENCE_LEVEL        Default prediction interval coverage\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("foresight version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	config.LoadDotEnv()

	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      FORESIGHT                            ║")
	log.Printf("║        Predictive Analytics For Business Metrics          ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	log.Printf("")

	if cfg.ShouldRunIngest() {
		log.Printf("Ingest Pipeline:")
		log.Printf("  Sources: %d", len(cfg.Sources))
		log.Printf("  Max Drop Ratio: %g", cfg.Ingest.MaxDropRatio)
	}

	if cfg.ShouldRunServe() {
		log.Printf("Serving Engine:")
		log.Printf("  Cache: %s (ttl %s)", cfg.Serving.CacheBackend, cfg.Serving.CacheTTL)
		log.Printf("  Max Horizon: %d days", cfg.Serving.MaxHorizonDays)
	}

	if cfg.ShouldRunTrain() {
		log.Printf("Retrain Scheduler:")
		log.Printf("  Models: %d", len(cfg.Models))
		log.Printf("  Interval: %v", cfg.Training.RetrainInterval)
	}

	log.Printf("")
}
