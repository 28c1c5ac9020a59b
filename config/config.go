// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the NextDNS profile monitor.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/util"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config represents the application configuration
type Config struct {
	NextDNS       NextDNSConfig       `yaml:"nextdns"`
	Store         StoreConfig         `yaml:"store"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Cache         CacheConfig         `yaml:"cache"`
	Server        ServerConfig        `yaml:"server"`
	MDNS          MDNSConfig          `yaml:"mdns"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// NextDNSConfig holds remote API and polling settings
type NextDNSConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"min=1s,max=1h"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"min=1s,max=5m"`
	ReadingsBuffer  int           `yaml:"readings_buffer" validate:"min=10,max=100000"`
	ValidateRepair  *bool         `yaml:"validate_repair"`
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"min=1,max=100"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" validate:"min=1s,max=1h"`
}

// RepairValidation reports whether a repaired API key is checked against the
// remote service before it is stored.
func (n NextDNSConfig) RepairValidation() bool {
	return n.ValidateRepair == nil || *n.ValidateRepair
}

// StoreConfig selects where the API key and devices are persisted
type StoreConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path          string `yaml:"path" validate:"required_if=Driver sqlite"`
	EncryptionKey string `yaml:"encryption_key" validate:"omitempty,hexadecimal,len=64"`
}

// Key decodes the encryption key. It returns nil when no key is configured.
func (s StoreConfig) Key() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, apperrors.NewConfigError("store.encryption_key", "", err)
	}
	return key, nil
}

// InfluxDBConfig holds InfluxDB connection settings. The sink is optional.
type InfluxDBConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// CacheConfig holds the local fallback cache settings
type CacheConfig struct {
	Directory      string        `yaml:"directory" validate:"required"`
	MaxSize        int64         `yaml:"max_size" validate:"min=1048576"`
	MaxAge         time.Duration `yaml:"max_age" validate:"min=1m"`
	ReplayInterval time.Duration `yaml:"replay_interval" validate:"min=1s,max=1h"`
}

// ServerConfig holds the host API listener settings
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=1s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=1s,max=5m"`
	HealthRate      float64       `yaml:"health_rate" validate:"gt=0"`
	HealthBurst     int           `yaml:"health_burst" validate:"min=1"`
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"dive,required"`
}

// MDNSConfig holds mDNS advertisement settings
type MDNSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Instance    string `yaml:"instance" validate:"required_if=Enabled true"`
	ServiceType string `yaml:"service_type" validate:"required"`
	Domain      string `yaml:"domain" validate:"required"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if baseURL := os.Getenv("NEXTDNS_BASE_URL"); baseURL != "" {
		c.NextDNS.BaseURL = baseURL
	}
	if interval := os.Getenv("NEXTDNS_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.NextDNS.PollInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse NEXTDNS_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
		c.InfluxDB.Enabled = true
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if key := os.Getenv("STORE_ENCRYPTION_KEY"); key != "" {
		c.Store.EncryptionKey = key
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.NextDNS.BaseURL == "" {
		c.NextDNS.BaseURL = "https://api.nextdns.io"
	}
	if c.NextDNS.PollInterval == 0 {
		c.NextDNS.PollInterval = 15 * time.Second
	}
	if c.NextDNS.RequestTimeout == 0 {
		c.NextDNS.RequestTimeout = 10 * time.Second
	}
	if c.NextDNS.ReadingsBuffer == 0 {
		c.NextDNS.ReadingsBuffer = 100
	}
	if c.NextDNS.BreakerFailures == 0 {
		c.NextDNS.BreakerFailures = 5
	}
	if c.NextDNS.BreakerTimeout == 0 {
		c.NextDNS.BreakerTimeout = 30 * time.Second
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}

	if c.Cache.Directory == "" {
		c.Cache.Directory = "/var/cache/nextdns-profile-monitor"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 50 * 1024 * 1024
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 7 * 24 * time.Hour
	}
	if c.Cache.ReplayInterval == 0 {
		c.Cache.ReplayInterval = 30 * time.Second
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.HealthRate == 0 {
		c.Server.HealthRate = 10
	}
	if c.Server.HealthBurst == 0 {
		c.Server.HealthBurst = 20
	}

	if c.MDNS.Instance == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.MDNS.Instance = "nextdns-monitor-" + host
		} else {
			c.MDNS.Instance = "nextdns-monitor"
		}
	}
	if c.MDNS.ServiceType == "" {
		c.MDNS.ServiceType = "_nextdns-monitor._tcp"
	}
	if c.MDNS.Domain == "" {
		c.MDNS.Domain = "local."
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateNextDNS(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	return validateStruct(c)
}

// validate resolves field names from yaml tags so errors name the config key.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tag rules and reports the first violation.
func validateStruct(c *Config) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	rule := fe.Tag()
	if fe.Param() != "" {
		rule += "=" + fe.Param()
	}
	// Values are left out: several fields carry secrets.
	return apperrors.NewConfigError(field, "", fmt.Errorf("failed %q rule", rule))
}

// validateNextDNS validates the remote API settings
func (c *Config) validateNextDNS() error {
	parsedURL, parseErr := url.Parse(c.NextDNS.BaseURL)
	if parseErr != nil {
		return fmt.Errorf("nextdns.base_url is not a valid URL: %w", parseErr)
	}
	if securityErr := validateURLSecurity("nextdns.base_url", parsedURL); securityErr != nil {
		return securityErr
	}
	return nil
}

// validateInfluxDB validates the InfluxDB configuration when the sink is enabled
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled {
		return nil
	}

	if c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required")
	}

	// Validate URL format and security
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity("influxdb.url", parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return fmt.Errorf("influxdb.token is required")
	}

	// Validate token format (basic check for minimum length)
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}

	if c.InfluxDB.Organization == "" {
		return fmt.Errorf("influxdb.organization is required")
	}
	if c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.bucket is required")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(field string, parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("%s must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", field, parsedURL.Scheme)
	}

	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
