package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around a logrus entry carrying the structured
// fields for one component of the proxy.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New creates a logger from the given configuration.
func New(config Config) (*Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)

	const timestampFormat = "2006-01-02T15:04:05.000Z07:00"
	switch config.Format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		if config.File == "" {
			config.File = "proxy.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	default:
		output = os.Stdout
	}
	l.SetOutput(output)

	return &Logger{Entry: logrus.NewEntry(l)}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(l)}
}

// WithField returns a logger with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// WithError returns a logger with the error attached as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// BackendLogger returns a logger scoped to one backend.
func (l *Logger) BackendLogger(backendID string) *Logger {
	return l.WithFields(logrus.Fields{
		"backend_id": backendID,
		"component":  "backend",
	})
}

// ProberLogger returns a logger scoped to the health prober of one backend.
func (l *Logger) ProberLogger(backendID string) *Logger {
	return l.WithFields(logrus.Fields{
		"backend_id": backendID,
		"component":  "health_prober",
	})
}

// AffinityLogger returns a logger scoped to session affinity resolution.
func (l *Logger) AffinityLogger() *Logger {
	return l.WithField("component", "affinity")
}

// PipelineLogger returns a logger scoped to the dispatch pipeline.
func (l *Logger) PipelineLogger() *Logger {
	return l.WithField("component", "dispatch")
}

// TopologyLogger returns a logger scoped to topology updates.
func (l *Logger) TopologyLogger() *Logger {
	return l.WithField("component", "topology")
}
