// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/soothill/nextdns-profile-monitor/app"
	"github.com/soothill/nextdns-profile-monitor/config"
	"github.com/soothill/nextdns-profile-monitor/discovery"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	healthCheckTimeout = 5 * time.Second
	discoverTimeout    = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthCheck := flag.Bool("health-check", false, "Check the health endpoint of a running monitor and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	discover := flag.Bool("discover", false, "List monitors advertised on the local network and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	switch {
	case *showVersion:
		fmt.Println(version)
		return
	case *healthCheck:
		os.Exit(performHealthCheck(*configPath))
	case *validateConfig:
		os.Exit(performConfigValidation(*configPath))
	case *discover:
		os.Exit(performDiscovery(os.Stdout))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Str("version", version).Msg("Starting NextDNS profile monitor")
	logger.Info().Dur("poll_interval", cfg.NextDNS.PollInterval).
		Str("store", cfg.Store.Driver).
		Bool("influxdb", cfg.InfluxDB.Enabled).
		Str("listen", cfg.Server.Listen).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *configPath, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run()
}

// performHealthCheck queries /health of the monitor configured at configPath
// and returns the exit code.
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	target, err := healthURL(cfg.Server.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	if err := checkHealth(target); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	fmt.Println("Health check passed: monitor is healthy")
	return 0
}

// healthURL turns a listen address into the URL of its health endpoint.
// Wildcard hosts are reached over loopback.
func healthURL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health", nil
}

func checkHealth(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  NextDNS API: %s\n", cfg.NextDNS.BaseURL)
	fmt.Printf("  Poll Interval: %s\n", cfg.NextDNS.PollInterval)
	fmt.Printf("  Repair Validation: %t\n", cfg.NextDNS.RepairValidation())
	fmt.Printf("  Store: %s\n", cfg.Store.Driver)
	if cfg.Store.Driver == config.StoreSQLite {
		fmt.Printf("  Store Path: %s\n", cfg.Store.Path)
		fmt.Printf("  Settings Encrypted: %t\n", cfg.Store.EncryptionKey != "")
	}
	if cfg.InfluxDB.Enabled {
		fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
		fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
		fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
		fmt.Printf("  Cache Directory: %s\n", cfg.Cache.Directory)
		fmt.Printf("  Cache Max Size: %d MB\n", cfg.Cache.MaxSize/(1024*1024))
		fmt.Printf("  Cache Max Age: %s\n", cfg.Cache.MaxAge)
	} else {
		fmt.Println("  InfluxDB: Disabled")
	}
	fmt.Printf("  Listen: %s\n", cfg.Server.Listen)
	if cfg.MDNS.Enabled {
		fmt.Printf("  mDNS: %s (%s%s)\n", cfg.MDNS.Instance, cfg.MDNS.ServiceType, cfg.MDNS.Domain)
	}
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

// performDiscovery browses mDNS for running monitors and prints them.
func performDiscovery(w io.Writer) int {
	logger.Initialize("warn")

	scanner := discovery.NewScanner(discovery.DefaultServiceType, discovery.DefaultDomain)
	instances, err := scanner.Discover(context.Background(), discoverTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery failed: %v\n", err)
		return 1
	}

	if len(instances) == 0 {
		fmt.Fprintln(w, "No monitors found")
		return 0
	}
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\tversion=%s\n", inst.ID(), inst.APIURL(), inst.Version())
	}
	return 0
}
