// Package log configures the process-wide logrus logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/micrictor/appwall/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init applies cfg to the standard logrus logger. Output goes to stderr and,
// when cfg.File is set, to a rotated log file.
func Init(cfg config.LogConfig) error {
	return Configure(logrus.StandardLogger(), cfg, os.Stderr)
}

func Configure(logger *logrus.Logger, cfg config.LogConfig, console io.Writer) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}

	if cfg.File == "" {
		logger.SetOutput(console)
		return nil
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,    // megabytes
		MaxBackups: cfg.MaxBackups, // number of backups
		MaxAge:     cfg.MaxAge,     // days
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.MultiWriter(console, file))
	return nil
}
