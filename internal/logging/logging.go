// Package logging is a thin wrapper around logrus shared by every
// long-running worker in the engine that logs (scheduler, dispatcher,
// submission service, HTTP facade); the scoreboard cache holds no logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry so that fields attached with WithComponent
// or WithField persist across every subsequent call, not just the one
// chained off it.
type Logger struct {
	*logrus.Entry
}

// Config controls level and output format.
type Config struct {
	Level  string `envconfig:"LOG_LEVEL" json:"level"`
	Format string `envconfig:"LOG_FORMAT" json:"format"`
}

// New builds a root Logger from Config, defaulting to info/text on stdout.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Entry: logrus.NewEntry(l)}
}

// NewDefault builds a Logger scoped to a component name at info level.
func NewDefault(component string) *Logger {
	return New(Config{Level: "info", Format: "text"}).WithComponent(component)
}

// WithComponent returns a child logger tagged with a "component" field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", name)}
}

// WithField returns a child logger with one additional field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields returns a child logger with multiple fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}
