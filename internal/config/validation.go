package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate model configuration
	if c.Model.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "model.path",
			Message: "model path is required",
		})
	}
	if c.Model.ThresholdPercentile <= 0 || c.Model.ThresholdPercentile > 100 {
		errs = append(errs, &ValidationError{
			Field:   "model.threshold_percentile",
			Message: fmt.Sprintf("threshold_percentile must be in (0, 100], got %v", c.Model.ThresholdPercentile),
		})
	}

	// Validate training configuration
	if c.Training.Epochs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.epochs",
			Message: fmt.Sprintf("epochs must be at least 1, got %d", c.Training.Epochs),
		})
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "training.learning_rate",
			Message: fmt.Sprintf("learning_rate must be positive, got %v", c.Training.LearningRate),
		})
	}
	if c.Training.BatchSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.batch_size",
			Message: fmt.Sprintf("batch_size must be at least 1, got %d", c.Training.BatchSize),
		})
	}
	if c.Training.NNormal < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.n_normal",
			Message: fmt.Sprintf("n_normal must be at least 1, got %d", c.Training.NNormal),
		})
	}
	if c.Training.NAnomalous < 0 {
		errs = append(errs, &ValidationError{
			Field:   "training.n_anomalous",
			Message: fmt.Sprintf("n_anomalous cannot be negative, got %d", c.Training.NAnomalous),
		})
	}
	if c.Training.ValidationSplit < 0 || c.Training.ValidationSplit >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.validation_split",
			Message: fmt.Sprintf("validation_split must be in [0, 1), got %v", c.Training.ValidationSplit),
		})
	}

	// Validate rate limit configuration
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, &ValidationError{
			Field:   "ratelimit.requests_per_second",
			Message: fmt.Sprintf("requests_per_second cannot be negative, got %v", c.RateLimit.RequestsPerSecond),
		})
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, &ValidationError{
			Field:   "ratelimit.burst",
			Message: fmt.Sprintf("burst cannot be negative, got %d", c.RateLimit.Burst),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
