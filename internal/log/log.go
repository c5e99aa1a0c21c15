// Package log provides the process-wide logger. Packages fetch it with
// GetLogger; the daemon replaces it once configuration is loaded.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/lowpan/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	defaultPattern = "%time [%level] %field %msg%n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

var (
	mu      sync.RWMutex
	logger  *logrusAdapter
	closers []io.Closer
)

func init() {
	logger = newAdapter(os.Stdout, defaultPattern, defaultTime, logrus.InfoLevel)
}

// GetLogger returns the current process logger. It is never nil.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init rebuilds the process logger from cfg. Stdout is always written;
// file and Loki outputs are added when enabled. Outputs of a previous
// Init are closed.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	out := NewMultiWriter().Add(os.Stdout)
	var opened []io.Closer
	if cfg.Outputs.File.Enabled {
		opened = append(opened, out.AddFileAppender(cfg.Outputs.File))
	}
	if cfg.Outputs.Loki.Enabled {
		lw, err := NewLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("failed to create loki writer: %w", err)
		}
		out.Add(lw)
		opened = append(opened, lw)
	}

	pattern, layout := cfg.Pattern, cfg.Time
	if pattern == "" {
		pattern = defaultPattern
	}
	if layout == "" {
		layout = defaultTime
	}

	mu.Lock()
	previous := closers
	logger = newAdapter(out, pattern, layout, level)
	closers = opened
	mu.Unlock()

	closeAll(previous)
	return nil
}

// SetLevel changes the level of the current logger in place.
func SetLevel(level string) error {
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	mu.RLock()
	logger.entry.Logger.SetLevel(l)
	mu.RUnlock()
	return nil
}

// Close flushes and closes file and Loki outputs. The logger keeps
// writing to stdout.
func Close() {
	mu.Lock()
	previous := closers
	closers = nil
	logger = newAdapter(os.Stdout, logger.formatter.pattern, logger.formatter.time, logger.entry.Logger.GetLevel())
	mu.Unlock()
	closeAll(previous)
}

func parseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
