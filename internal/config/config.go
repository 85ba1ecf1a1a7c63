package config

import "context"

// Package config provides configuration management for screenguard.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (SCREENGUARD_* prefix)
//   2. YAML config files (default: /etc/screenguard/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8081)
//      - tls_enabled: Enable TLS
//      - tls_cert_path: Path to certificate
//      - tls_key_path: Path to key
//
//   2. Database
//      - sqlite_path: Path to SQLite file
//
//   3. Model
//      - path: Base path of the serialized model (calibration lives next to
//        it with a _params suffix)
//      - threshold_percentile: Percentile of training errors used as the
//        anomaly cutoff
//      - seed: RNG seed for reproducible training
//
//   4. Training
//      - epochs / learning_rate / batch_size: Gradient descent schedule
//      - n_normal / n_anomalous: Synthetic dataset sizes for the trainer
//      - validation_split: Fraction of training data held out
//
//   5. RateLimit
//      - requests_per_second / burst: Token bucket for the HTTP API
//
//   6. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - file: Optional rotating log file path
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins []string
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Model configuration
	Model struct {
		Path                string
		ThresholdPercentile float64
		Seed                int64
	}

	// Training configuration
	Training struct {
		Epochs          int
		LearningRate    float64
		BatchSize       int
		NNormal         int
		NAnomalous      int
		ValidationSplit float64
	}

	// Rate limiting configuration
	RateLimit struct {
		RequestsPerSecond float64
		Burst             int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
		File   string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/screenguard/config.yaml")
}
