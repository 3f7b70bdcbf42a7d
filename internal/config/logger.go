package config

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var logLevel atomic.Uint32

func init() {
	logLevel.Store(uint32(logrus.InfoLevel))
}

// NewLogger creates a new logger instance with consistent formatting
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.Level(logLevel.Load()))
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	return logger
}

// ConfigureGlobalLogger configures the global logrus instance and the level used by NewLogger.
// Unknown level names fall back to info.
func ConfigureGlobalLogger(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logLevel.Store(uint32(lvl))

	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}
