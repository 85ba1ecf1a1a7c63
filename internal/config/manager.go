package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("SCREENGUARD")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK if it doesn't exist, we'll use defaults + env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		// Reload config
		if err := m.unmarshalConfig(); err != nil {
			// Log error but don't send to channel
			return
		}
		// Send updated config to channel
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Model defaults
	m.viper.SetDefault("model.path", defaults.Model.Path)
	m.viper.SetDefault("model.threshold_percentile", defaults.Model.ThresholdPercentile)
	m.viper.SetDefault("model.seed", defaults.Model.Seed)

	// Training defaults
	m.viper.SetDefault("training.epochs", defaults.Training.Epochs)
	m.viper.SetDefault("training.learning_rate", defaults.Training.LearningRate)
	m.viper.SetDefault("training.batch_size", defaults.Training.BatchSize)
	m.viper.SetDefault("training.n_normal", defaults.Training.NNormal)
	m.viper.SetDefault("training.n_anomalous", defaults.Training.NAnomalous)
	m.viper.SetDefault("training.validation_split", defaults.Training.ValidationSplit)

	// Rate limit defaults
	m.viper.SetDefault("ratelimit.requests_per_second", defaults.RateLimit.RequestsPerSecond)
	m.viper.SetDefault("ratelimit.burst", defaults.RateLimit.Burst)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Model
	cfg.Model.Path = m.viper.GetString("model.path")
	cfg.Model.ThresholdPercentile = m.viper.GetFloat64("model.threshold_percentile")
	cfg.Model.Seed = m.viper.GetInt64("model.seed")

	// Training
	cfg.Training.Epochs = m.viper.GetInt("training.epochs")
	cfg.Training.LearningRate = m.viper.GetFloat64("training.learning_rate")
	cfg.Training.BatchSize = m.viper.GetInt("training.batch_size")
	cfg.Training.NNormal = m.viper.GetInt("training.n_normal")
	cfg.Training.NAnomalous = m.viper.GetInt("training.n_anomalous")
	cfg.Training.ValidationSplit = m.viper.GetFloat64("training.validation_split")

	// Rate limit
	cfg.RateLimit.RequestsPerSecond = m.viper.GetFloat64("ratelimit.requests_per_second")
	cfg.RateLimit.Burst = m.viper.GetInt("ratelimit.burst")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for settings that
// operators commonly set without a config file.
func (m *viperConfigManager) applyEnvOverrides() {
	// Database path from environment
	if path := os.Getenv("SCREENGUARD_DB_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}

	// Model path from environment
	if path := os.Getenv("SCREENGUARD_MODEL_PATH"); path != "" {
		m.config.Model.Path = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("SCREENGUARD_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			m.config.Server.Port = port
		}
	}

	// Log level from environment - only override if explicitly set
	if level := os.Getenv("SCREENGUARD_LOG_LEVEL"); level != "" {
		m.config.Logging.Level = level
	}
}
