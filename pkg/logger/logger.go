package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the process logger should behave.
type Config struct {
	Level     string
	Format    string
	Outputs   []string
	AddSource bool
	// Components overrides the minimum level per component name,
	// e.g. {"router": "debug"} while the rest of the process logs info.
	Components map[string]string
	Audit      AuditConfig
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
	defaultLogger   *slog.Logger
	auditLogger     *slog.Logger
	componentLevels map[string]slog.Level
	once            sync.Once
	closers         []io.Closer
	initErr         error
)

// Init configures the process-wide logger instances.
func Init(cfg Config) error {
	once.Do(func() { initErr = configure(cfg) })
	if initErr != nil {
		return initErr
	}
	if defaultLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func configure(cfg Config) error {
	writer, err := combineOutputs(cfg.Outputs)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: levelFromName(cfg.Level), AddSource: cfg.AddSource}
	defaultLogger = slog.New(newHandler(cfg.Format, writer, opts))

	if len(cfg.Components) > 0 {
		componentLevels = make(map[string]slog.Level, len(cfg.Components))
		for name, level := range cfg.Components {
			componentLevels[name] = levelFromName(level)
		}
	}

	auditLogger = defaultLogger
	if cfg.Audit.Enabled {
		audit, err := newAuditLogger(cfg.Audit)
		if err != nil {
			return err
		}
		auditLogger = audit
	}
	return nil
}

// combineOutputs resolves each output target and fans writes out to all
// of them. An empty list falls back to stdout.
func combineOutputs(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, err := resolveOutput(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func resolveOutput(target string) (io.Writer, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", target, err)
	}
	closers = append(closers, file)
	return file, nil
}

func newHandler(format string, writer io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

func newAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRollingFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("channel", "audit")), nil
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func levelFromName(name string) slog.Level {
	if level, ok := levelNames[strings.ToLower(name)]; ok {
		return level
	}
	return slog.LevelInfo
}

// leveledHandler lowers or raises the minimum level for one component.
type leveledHandler struct {
	slog.Handler
	min slog.Level
}

func (h leveledHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

// L returns the process logger.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	return defaultLogger
}

// Audit returns the audit trail logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named returns a child logger tagged with a component name, honouring
// any per-component level override from the configuration.
func Named(name string) *slog.Logger {
	base := L()
	if min, ok := componentLevels[name]; ok {
		base = slog.New(leveledHandler{Handler: base.Handler(), min: min})
	}
	return base.With(slog.String("component", name))
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
