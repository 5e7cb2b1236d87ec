// Package obs sets up the gateway's observability: structured logging and
// OpenTelemetry tracing.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the global logger.
type LogConfig struct {
	// Level is a logrus level name ("debug", "info", ...).
	Level string
	// File enables rotated file logging when non-empty; logs still go to
	// stderr as well.
	File string
}

// SetupLogging configures the process-wide logrus logger.
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		})
	}
	logrus.SetOutput(out)
	return nil
}
