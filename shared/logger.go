package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // e.g. "veilstore"
	Development bool   // true for development mode
}

// Logger wraps zap.Logger with protocol-aware helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapLogger *zap.Logger
	var err error

	if config.Development {
		// Development mode: console logging with debug level
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapLogger, err = zapConfig.Build()
	} else {
		// Production mode: structured JSON logging
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = zapConfig.Build()
	}

	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(zap.String("service", config.ServiceName))

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		Development: GetEnvOrDefault("DEVELOPMENT", "false") == "true",
	}
	return NewLogger(config)
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithSession returns a logger scoped to one purchase session
func (l *Logger) WithSession(sessionID string) *zap.Logger {
	if sessionID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("session_id", sessionID))
}

// WithPurchase returns a logger scoped to one purchase record
func (l *Logger) WithPurchase(purchaseID string) *zap.Logger {
	if purchaseID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("purchase_id", purchaseID))
}

// WithConnection returns a logger scoped to one client connection
func (l *Logger) WithConnection(remoteAddr string) *zap.Logger {
	if remoteAddr == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("remote_addr", remoteAddr))
}

// Security event logging - for security-relevant events such as replay
// attempts and proof rejections. Always logged at warn.
func (l *Logger) Security(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// SessionTerminated logs a session teardown with its reason code
func (l *Logger) SessionTerminated(sessionID string, reason string, fields ...zap.Field) {
	baseFields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("termination_reason", reason),
	}
	l.Logger.Error("Session terminated", append(baseFields, fields...)...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
