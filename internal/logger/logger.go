package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hostedid/mfacore/internal/config"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// NewWithConfig creates a Logger that also writes to a rotating file when
// cfg.File.Path is set
func NewWithConfig(cfg config.LogConfig) *Logger {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if cfg.Format == "text" || cfg.Format == "console" {
		// Human-readable output for development
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if cfg.File.Path != "" {
		// The file always receives JSON so it can be shipped to a collector
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	return &Logger{Logger: zerolog.New(out).With().Timestamp().Caller().Logger()}
}

// NewWriter creates a Logger emitting JSON to w, used by tests and tools
func NewWriter(w io.Writer) *Logger {
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// AuditLog creates an audit log entry
func (l *Logger) AuditLog(userID, action, resourceType, resourceID string, metadata map[string]interface{}) {
	event := l.Info().
		Str("audit", "true").
		Str("user_id", userID).
		Str("action", action).
		Str("resource_type", resourceType).
		Str("resource_id", resourceID)

	if metadata != nil {
		event.Interface("metadata", metadata)
	}

	event.Msg("audit log")
}

// SecurityAlert emits the high-priority line external alerting pipelines key on
func (l *Logger) SecurityAlert(eventType, principalID, ipAddress, userAgent string, context map[string]interface{}) {
	l.WithLevel(zerolog.ErrorLevel).
		Str("alert", "security").
		Str("priority", "high").
		Str("event_type", eventType).
		Str("principal_id", principalID).
		Str("ip_address", ipAddress).
		Str("user_agent", userAgent).
		Interface("context", context).
		Msg("CRITICAL SECURITY EVENT")
}
