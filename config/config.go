// Package config loads the exchange configuration.
//
// Configuration is loaded from a single YAML file named by:
//   - the EXCHANGE_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Built-in defaults only fill fields the
// file leaves out.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/adexchange/store"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "EXCHANGE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration of the exchange binaries.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Store       StoreConfig       `yaml:"store"`
	Secondary   SecondaryConfig   `yaml:"secondary"`
	Attestation AttestationConfig `yaml:"attestation"`
	Enclave     EnclaveConfig     `yaml:"enclave"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to a human-readable console encoder.
	Development bool `yaml:"development"`
}

// HTTPConfig configures the primary's HTTP surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// DrainDuration is how long the server reports not ready before shutting down.
	DrainDuration time.Duration `yaml:"drain_duration"`

	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`
}

// StoreConfig selects the primary store.
type StoreConfig struct {
	// Driver is memory or postgres.
	Driver   string               `yaml:"driver"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// SecondaryConfig says how the primary reaches the secondary context.
type SecondaryConfig struct {
	// Network is vsock, tcp or inprocess.
	Network string `yaml:"network"`

	// CID and Port address the enclave over vsock.
	CID  uint32 `yaml:"cid"`
	Port uint32 `yaml:"port"`

	// Address is the host:port of a secondary reached over TCP.
	Address string `yaml:"address"`

	Timeout time.Duration `yaml:"timeout"`
}

// AttestationConfig controls verification of commit attestations.
type AttestationConfig struct {
	// Require rejects commits that carry no attestation.
	Require bool `yaml:"require"`

	// PCRFile lists known-good PCR sets. Attestations are verified only when it is set.
	PCRFile string `yaml:"pcr_file"`
}

// EnclaveConfig configures the secondary context binary.
type EnclaveConfig struct {
	Port       uint32 `yaml:"port"`
	MaxWorkers int    `yaml:"max_workers"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			ListenAddr:               ":8080",
			ReadTimeout:              10 * time.Second,
			WriteTimeout:             60 * time.Second,
			DrainDuration:            5 * time.Second,
			GracefulShutdownDuration: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Postgres: store.PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Secondary: SecondaryConfig{
			Network: "inprocess",
			CID:     16,
			Port:    5000,
			Timeout: 30 * time.Second,
		},
		Enclave: EnclaveConfig{
			Port:       5000,
			MaxWorkers: 100,
		},
	}
}

// Load loads configuration from the EXCHANGE_CONFIG environment variable.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your exchange.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	switch c.Store.Driver {
	case "memory":
		if c.Environment == Production {
			errs = append(errs, fmt.Errorf("store.driver memory is not durable and cannot be used in production"))
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			errs = append(errs, fmt.Errorf("store.postgres.host and store.postgres.database are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of: [memory postgres]"))
	}

	switch c.Secondary.Network {
	case "vsock":
		if c.Secondary.Port == 0 {
			errs = append(errs, fmt.Errorf("secondary.port is required for vsock"))
		}
	case "tcp":
		if c.Secondary.Address == "" {
			errs = append(errs, fmt.Errorf("secondary.address is required for tcp"))
		}
	case "inprocess":
		if c.Attestation.Require {
			errs = append(errs, fmt.Errorf("attestation.require needs a vsock secondary"))
		}
	default:
		errs = append(errs, fmt.Errorf("secondary.network must be one of: [vsock tcp inprocess]"))
	}

	if c.Attestation.Require && c.Attestation.PCRFile == "" {
		errs = append(errs, fmt.Errorf("attestation.pcr_file is required when attestation.require is set"))
	}

	if c.HTTP.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("http.listen_addr is required"))
	}

	if c.Enclave.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("enclave.max_workers must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
