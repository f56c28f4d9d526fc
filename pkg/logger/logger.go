package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the process-wide logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail output.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Subsequent calls replace the
// previous configuration; writers opened earlier are closed by Sync.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts)
	if err != nil {
		return err
	}
	defaultLogger = slog.New(handler)

	auditLogger = defaultLogger
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit log path cannot be empty when enabled")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
			return fmt.Errorf("create audit log directory: %w", err)
		}
		writer := &lumberjack.Logger{
			Filename:   cfg.Audit.Path,
			MaxSize:    orDefault(cfg.Audit.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.Audit.MaxBackups, 7),
			MaxAge:     orDefault(cfg.Audit.MaxAgeDays, 30),
		}
		closers = append(closers, writer)
		auditLogger = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return nil
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return defaultLogger
}

// Audit returns the audit logger used for transfer lifecycle records.
func Audit() *slog.Logger {
	mu.Lock()
	audit := auditLogger
	mu.Unlock()
	if audit == nil {
		return L()
	}
	return audit
}

// Named returns a child logger scoped to the given component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync flushes and closes every writer opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
