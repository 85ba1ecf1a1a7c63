package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogQualityCheck logs one screening quality verdict
	LogQualityCheck(ctx context.Context, sessionID, recommendation string, anomalyScore float64) error

	// LogBatchCheck logs a batch quality check
	LogBatchCheck(ctx context.Context, total, anomalous int, duration time.Duration) error

	// LogTraining logs training lifecycle events
	LogTrainingStarted(ctx context.Context, runID string) error
	LogTrainingCompleted(ctx context.Context, runID string, threshold float64, duration time.Duration) error
	LogTrainingFailed(ctx context.Context, runID string, err error) error

	// LogModelLoaded logs a successful model load at startup or after retrain
	LogModelLoaded(ctx context.Context, path string, trained bool) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Parse log level
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	// Create encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Create application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Create audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	// Create the logger instance
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogQualityCheck logs one screening quality verdict
func (l *auditLogger) LogQualityCheck(ctx context.Context, sessionID, recommendation string, anomalyScore float64) error {
	event := NewEvent(EventQualityCheck).
		WithCorrelationID(GetCorrelationID(ctx)).
		WithResource(sessionID, "screening_session").
		WithAction("check").
		WithResult(ResultSuccess).
		WithMetadata("recommendation", recommendation).
		WithMetadata("anomaly_score", anomalyScore).
		WithDescription(fmt.Sprintf("Session %s checked: %s", sessionID, recommendation))

	return l.Log(ctx, event)
}

// LogBatchCheck logs a batch quality check
func (l *auditLogger) LogBatchCheck(ctx context.Context, total, anomalous int, duration time.Duration) error {
	event := NewEvent(EventQualityBatchCheck).
		WithCorrelationID(GetCorrelationID(ctx)).
		WithAction("batch_check").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("total", total).
		WithMetadata("anomalous", anomalous).
		WithDescription(fmt.Sprintf("Batch check: %d sessions, %d anomalous", total, anomalous))

	return l.Log(ctx, event)
}

// LogTrainingStarted logs when a training run starts
func (l *auditLogger) LogTrainingStarted(ctx context.Context, runID string) error {
	event := NewEvent(EventTrainingStarted).
		WithCorrelationID(runID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Training run %s started", runID))

	return l.Log(ctx, event)
}

// LogTrainingCompleted logs when a training run completes
func (l *auditLogger) LogTrainingCompleted(ctx context.Context, runID string, threshold float64, duration time.Duration) error {
	event := NewEvent(EventTrainingCompleted).
		WithCorrelationID(runID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("threshold", threshold).
		WithDescription(fmt.Sprintf("Training run %s completed", runID))

	return l.Log(ctx, event)
}

// LogTrainingFailed logs when a training run fails
func (l *auditLogger) LogTrainingFailed(ctx context.Context, runID string, err error) error {
	event := NewEvent(EventTrainingFailed).
		WithCorrelationID(runID).
		WithError(err, "training_error").
		WithDescription(fmt.Sprintf("Training run %s failed", runID))

	return l.Log(ctx, event)
}

// LogModelLoaded logs a successful model load
func (l *auditLogger) LogModelLoaded(ctx context.Context, path string, trained bool) error {
	event := NewEvent(EventModelLoaded).
		WithResource(path, "model").
		WithResult(ResultSuccess).
		WithMetadata("trained", trained).
		WithDescription(fmt.Sprintf("Model loaded from %s", path))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
