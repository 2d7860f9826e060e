// Package forgelog wraps logrus with Crystal Forge's logging conventions:
// one structured logger per process, configurable level/format/output,
// with WithField/WithFields helpers for attaching request and job context.
package forgelog

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package instead
// of logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and destination for a Logger.
type Config struct {
	Level      string `toml:"level" env:"CRYSTAL_FORGE_LOG_LEVEL"`
	Format     string `toml:"format" env:"CRYSTAL_FORGE_LOG_FORMAT"`
	Output     string `toml:"output" env:"CRYSTAL_FORGE_LOG_OUTPUT"`
	FilePrefix string `toml:"file_prefix" env:"CRYSTAL_FORGE_LOG_FILE_PREFIX"`
}

// New builds a Logger from cfg. An unparseable level falls back to info;
// an unrecognized format falls back to text.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "forge"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Errorf("failed to create log directory: %v", err)
			break
		}
		path := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Errorf("failed to open log file: %v", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}

// NewDefault returns an info-level, text-formatted, stdout logger. The
// name argument is not attached to the logger or its entries.
func NewDefault(name string) *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	l := &Logger{Logger: log}
	return l
}

// WithField returns a log entry carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying several extra fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
