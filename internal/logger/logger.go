// Package logger provides the CLI's slog setup and rotated log files for
// the supervised runtime processes.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for supervised process logs.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// New builds the process-wide slog logger. verbose lowers the level to
// Debug; output goes to stderr so command stdout stays machine-readable.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// ProcessConfig describes stdout/stderr log destinations for one
// supervised process. Rotation parameters follow lumberjack semantics.
type ProcessConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ChildFiles returns append-mode files for a named process's stdout and
// stderr, as Dir/<name>.stdout.log and Dir/<name>.stderr.log. The files are
// handed to the child as real descriptors, so its logging does not depend
// on the spawning process staying alive. An oversized file is rotated here,
// before the next start, with lumberjack keeping the backup set bounded.
func (c ProcessConfig) ChildFiles(name string) (*os.File, *os.File, error) {
	if c.Dir == "" {
		return nil, nil, fmt.Errorf("process log dir not configured")
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	outF, err := c.openChildLog(name, "stdout")
	if err != nil {
		return nil, nil, err
	}
	errF, err := c.openChildLog(name, "stderr")
	if err != nil {
		_ = outF.Close()
		return nil, nil, err
	}
	return outF, errF, nil
}

func (c ProcessConfig) openChildLog(name, suffix string) (*os.File, error) {
	path := filepath.Join(c.Dir, fmt.Sprintf("%s.%s.log", name, suffix))
	maxBytes := int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB)) * 1024 * 1024
	if info, err := os.Stat(path); err == nil && info.Size() >= maxBytes {
		lg := &lj.Logger{
			Filename:   path,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		_ = lg.Rotate()
		_ = lg.Close()
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
