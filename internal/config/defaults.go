package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/screenguard/screenguard.db"

	// Model defaults
	cfg.Model.Path = "/var/lib/screenguard/models/screening_autoencoder"
	cfg.Model.ThresholdPercentile = 95.0
	cfg.Model.Seed = 42

	// Training defaults
	cfg.Training.Epochs = 100
	cfg.Training.LearningRate = 0.001
	cfg.Training.BatchSize = 32
	cfg.Training.NNormal = 1000
	cfg.Training.NAnomalous = 0
	cfg.Training.ValidationSplit = 0.2

	// Rate limit defaults
	cfg.RateLimit.RequestsPerSecond = 50
	cfg.RateLimit.Burst = 100

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""

	return cfg
}
