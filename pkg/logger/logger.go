// Package logger provides the two log channels of the wallet service:
// an operational logger for diagnostics, and an audit trail that every
// custody-relevant event writes through. Registrations, payments,
// policy edits, gate transitions and fund request resolutions all land
// on the audit channel, one JSON event per line, so the trail can be
// shipped and replayed independently of the operational output.
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
)

// Config describes both channels. Zero value logs JSON at info level
// to stdout with the audit trail folded into the operational output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json (default) or text. The audit trail is always JSON.
	Format string
	// OutputPaths are file paths, or the literals stdout / stderr.
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail file. The trail rotates by size
// and keeps numbered backups; it is never pruned by age, old custody
// events stay on disk until an operator moves them.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

var (
	operational *slog.Logger
	audit       *slog.Logger
	once        sync.Once
	sinks       []io.Closer
	initErr     error
)

// Init configures the package-level loggers. The first call wins;
// later calls return the first call's error state.
func Init(cfg Config) error {
	once.Do(func() {
		handler, err := operationalHandler(cfg)
		if err != nil {
			initErr = err
			return
		}
		operational = slog.New(handler)

		audit = operational
		if cfg.Audit.Enabled {
			trail, err := auditHandler(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
			audit = slog.New(trail)
		}
	})
	if initErr != nil {
		return initErr
	}
	if operational == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

// L returns the operational logger.
func L() *slog.Logger {
	if operational == nil {
		_ = Init(Config{})
	}
	return operational
}

// Audit returns the audit trail logger. Before Init, or when the trail
// is disabled, audit events go to the operational logger instead of
// being dropped.
func Audit() *slog.Logger {
	if audit == nil {
		return L()
	}
	return audit
}

// Named returns an operational logger grouped under a component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync closes every file-backed sink. Called once at shutdown.
func Sync() error {
	var err error
	for _, sink := range sinks {
		err = errors.Join(err, sink.Close())
	}
	sinks = nil
	return err
}

func operationalHandler(cfg Config) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}

	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	for _, out := range cfg.OutputPaths {
		writer, err := openSink(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	var writer io.Writer = os.Stdout
	switch len(writers) {
	case 0:
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func auditHandler(cfg AuditConfig) (slog.Handler, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit trail path cannot be empty when enabled")
	}
	trail, err := newAuditTrail(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, trail)
	// The trail records everything handed to it; severity filtering
	// happens at the call sites, not here.
	return slog.NewJSONHandler(trail, &slog.HandlerOptions{Level: slog.LevelDebug}), nil
}

func openSink(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		sinks = append(sinks, file)
		return file, nil
	}
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
