package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Events         EventsConfig         `yaml:"events"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// AuctionConfig holds marketplace-level auction settings.
type AuctionConfig struct {
	// DepositRatePercent is the share of the start price held as a bidding
	// deposit, in whole percent.
	DepositRatePercent int `yaml:"deposit_rate_percent"`
	// PaymentTimeoutDays is how long a winner has to pay before forfeiture.
	PaymentTimeoutDays int `yaml:"payment_timeout_days"`
}

// SchedulerConfig holds settlement scheduler settings.
type SchedulerConfig struct {
	// Capacity is the maximum number of auctions with a pending end timer.
	Capacity int `yaml:"capacity"`
	// Workers is the size of the pool executing fired timers.
	Workers int `yaml:"workers"`
}

// SettlementConfig holds settlement batch settings.
type SettlementConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
	PageSize      int           `yaml:"page_size"`
}

// EventsConfig selects the domain event sink.
type EventsConfig struct {
	Sink    string   `yaml:"sink"` // "bus" or "kafka"
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			DepositRatePercent: 10,
			PaymentTimeoutDays: 3,
		},
		Scheduler: SchedulerConfig{
			Capacity: 10000,
			Workers:  32,
		},
		Settlement: SettlementConfig{
			ChunkSize:     100,
			BatchInterval: time.Minute,
			ScanInterval:  24 * time.Hour,
			PageSize:      100,
		},
		Events: EventsConfig{
			Sink: "bus",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}

	switch c.Events.Sink {
	case "bus":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events sink %q requires at least one broker", c.Events.Sink)
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events sink %q requires a topic", c.Events.Sink)
		}
	default:
		return fmt.Errorf("unsupported events sink %q: must be \"bus\" or \"kafka\"", c.Events.Sink)
	}

	if c.Auction.DepositRatePercent <= 0 || c.Auction.DepositRatePercent > 100 {
		return fmt.Errorf("deposit_rate_percent must be in (0, 100], got %d", c.Auction.DepositRatePercent)
	}
	if c.Auction.PaymentTimeoutDays <= 0 {
		return fmt.Errorf("payment_timeout_days must be positive, got %d", c.Auction.PaymentTimeoutDays)
	}
	if c.Scheduler.Capacity <= 0 {
		return fmt.Errorf("scheduler capacity must be positive, got %d", c.Scheduler.Capacity)
	}
	if c.Settlement.ChunkSize <= 0 || c.Settlement.PageSize <= 0 {
		return fmt.Errorf("settlement chunk_size and page_size must be positive")
	}
	return nil
}
