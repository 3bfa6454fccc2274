package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/heightsync/internal/config"
)

// newLogger builds the process logger. Verbose switches to the development encoder at
// debug level and wins over the configured level. lc is nil before config has loaded.
func newLogger(verbose bool, lc *config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.DisableStacktrace = true
	if verbose {
		zc = zap.NewDevelopmentConfig()
	}
	if lc == nil {
		return zc.Build()
	}

	if lc.Level != "" && !verbose {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	if lc.Enabled {
		path, err := logFilePath(lc.Directory, time.Now())
		if err != nil {
			return nil, err
		}
		zc.OutputPaths = append(zc.OutputPaths, path)
	}

	return zc.Build()
}

// logFilePath creates dir and names one log file per process start.
func logFilePath(dir string, started time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "heightsync-"+started.UTC().Format("20060102T150405Z")+".log"), nil
}
