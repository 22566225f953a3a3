package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvPrefix is the default prefix for environment variables
const (
	DefaultEnvPrefix      = "LEDGERWATCH_"
	DefaultCoordinatorURL = "http://127.0.0.1:5000"
	DefaultAPIListenAddr  = "127.0.0.1:8090"
)

// Config represents the observer configuration
type Config struct {
	// Coordinator connection
	CoordinatorURL string
	RequestTimeout time.Duration
	DialTimeout    time.Duration

	// Polling and probing
	RegistryInterval time.Duration
	ProbeTimeout     time.Duration
	ProbeInterval    time.Duration
	ProbeJitter      time.Duration
	ProbeConcurrency int
	FetchNodeLogs    bool

	// Log buffers
	LogBufferLimit int

	// Live channel reconnect policy
	Reconnect ReconnectConfig

	// Observer API
	APIListenAddr string

	// Event relay
	NATSURL           string
	NATSSubjectPrefix string

	// Logging
	LogLevel string
	LogFile  string
}

// ReconnectConfig controls how the live channel retries after a drop
type ReconnectConfig struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
	MaxDelay time.Duration
}

// Default returns the configuration used when no variables are set
func Default() *Config {
	return &Config{
		CoordinatorURL:   DefaultCoordinatorURL,
		RequestTimeout:   5 * time.Second,
		DialTimeout:      5 * time.Second,
		RegistryInterval: 5 * time.Second,
		ProbeTimeout:     2 * time.Second,
		ProbeInterval:    10 * time.Second,
		ProbeJitter:      time.Second,
		FetchNodeLogs:    true,
		Reconnect: ReconnectConfig{
			Attempts: 5,
			Delay:    2 * time.Second,
			Backoff:  1.0,
			MaxDelay: 30 * time.Second,
		},
		APIListenAddr:     DefaultAPIListenAddr,
		NATSSubjectPrefix: "ledgerwatch",
		LogLevel:          "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := ValidateHTTPURL(c.CoordinatorURL); err != nil {
		return fmt.Errorf("coordinator URL: %w", err)
	}

	// Validate timeouts and intervals
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.RegistryInterval <= 0 {
		return fmt.Errorf("registry interval must be positive")
	}
	if c.ProbeJitter < 0 {
		return fmt.Errorf("probe jitter must be non-negative")
	}

	if c.ProbeConcurrency < 0 {
		return fmt.Errorf("probe concurrency must be non-negative")
	}
	if c.LogBufferLimit < 0 {
		return fmt.Errorf("log buffer limit must be non-negative")
	}

	// Validate reconnect policy
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect attempts must be non-negative")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.Reconnect.Backoff < 1 {
		return fmt.Errorf("reconnect backoff must be at least 1, got %v", c.Reconnect.Backoff)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("reconnect max delay (%v) must be greater than or equal to delay (%v)",
			c.Reconnect.MaxDelay, c.Reconnect.Delay)
	}

	if c.NATSURL != "" && c.NATSSubjectPrefix == "" {
		return fmt.Errorf("NATS subject prefix is required when NATS URL is set")
	}
	if err := ValidateLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Load loads configuration from an optional .env file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()
	return FromLoader(loader)
}

// FromLoader builds and validates a configuration from loaded variables
func FromLoader(loader *EnvLoader) (*Config, error) {
	cfg := Default()
	var err error

	if cfg.CoordinatorURL, err = loader.GetStringValidated("COORDINATOR_URL", DefaultCoordinatorURL, ValidateNotEmpty, ValidateHTTPURL); err != nil {
		return nil, err
	}
	cfg.CoordinatorURL = strings.TrimRight(cfg.CoordinatorURL, "/")

	// Timeouts and intervals
	if cfg.RequestTimeout, err = loader.GetDuration("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, fmt.Errorf("invalid request timeout: %w", err)
	}
	if cfg.DialTimeout, err = loader.GetDuration("DIAL_TIMEOUT", cfg.DialTimeout); err != nil {
		return nil, fmt.Errorf("invalid dial timeout: %w", err)
	}
	if cfg.RegistryInterval, err = loader.GetDuration("REGISTRY_INTERVAL", cfg.RegistryInterval); err != nil {
		return nil, fmt.Errorf("invalid registry interval: %w", err)
	}
	if cfg.ProbeTimeout, err = loader.GetDuration("PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return nil, fmt.Errorf("invalid probe timeout: %w", err)
	}
	if cfg.ProbeInterval, err = loader.GetDuration("PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return nil, fmt.Errorf("invalid probe interval: %w", err)
	}
	if cfg.ProbeJitter, err = loader.GetDuration("PROBE_JITTER", cfg.ProbeJitter); err != nil {
		return nil, fmt.Errorf("invalid probe jitter: %w", err)
	}

	if cfg.ProbeConcurrency, err = loader.GetInt("PROBE_CONCURRENCY", cfg.ProbeConcurrency); err != nil {
		return nil, err
	}
	cfg.FetchNodeLogs = loader.GetBool("FETCH_NODE_LOGS", cfg.FetchNodeLogs)
	if cfg.LogBufferLimit, err = loader.GetInt("LOG_BUFFER_LIMIT", cfg.LogBufferLimit); err != nil {
		return nil, err
	}

	// Reconnect policy
	if cfg.Reconnect.Attempts, err = loader.GetInt("RECONNECT_ATTEMPTS", cfg.Reconnect.Attempts); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Delay, err = loader.GetDuration("RECONNECT_DELAY", cfg.Reconnect.Delay); err != nil {
		return nil, fmt.Errorf("invalid reconnect delay: %w", err)
	}
	if cfg.Reconnect.Backoff, err = loader.GetFloat64("RECONNECT_BACKOFF", cfg.Reconnect.Backoff); err != nil {
		return nil, err
	}
	if cfg.Reconnect.MaxDelay, err = loader.GetDuration("RECONNECT_MAX_DELAY", cfg.Reconnect.MaxDelay); err != nil {
		return nil, fmt.Errorf("invalid reconnect max delay: %w", err)
	}

	cfg.APIListenAddr = loader.GetString("API_LISTEN_ADDR", cfg.APIListenAddr)
	cfg.NATSURL = loader.GetString("NATS_URL", "")
	cfg.NATSSubjectPrefix = loader.GetString("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.LogLevel = loader.GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = loader.GetString("LOG_FILE", "")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
