package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a JSON logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewLoggerWithService creates a logger whose entries all carry the service name.
func NewLoggerWithService(serviceName, level string) *logrus.Entry {
	return NewLogger(level).WithField("service", serviceName)
}

// ParseLevel maps a config string to a logrus level.
func ParseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// Critical marks an entry as needing an operator. Critical entries are logged
// at error level with severity=critical.
func Critical(entry *logrus.Entry) *logrus.Entry {
	return entry.WithField("severity", "critical")
}

// Discard returns an entry that drops everything. Used by tests and as the
// default when a component is built without a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
