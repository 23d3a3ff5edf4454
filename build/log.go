// Package build provides the logging plumbing shared by every cnd
// subsystem: a rotating log file writer and helpers for registering
// per-package sub-loggers against it, mirroring the teacher's
// build.RotatingLogWriter / decred/slog pattern.
package build

import (
	"fmt"
	"os"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter is a simple io.Writer that writes to both stdout and, once
// InitLogRotator has been called, a rotating log file on disk. It is safe
// for concurrent use by multiple goroutines, matching the teacher's shape.
type LogWriter struct {
	mu        sync.Mutex
	rotator   *rotator.Rotator
	useStdout bool
}

// NewLogWriter constructs a LogWriter that writes to stdout until a log
// rotator is installed with InitLogRotator.
func NewLogWriter() *LogWriter {
	return &LogWriter{useStdout: true}
}

// Write implements io.Writer. It always writes to stdout and, if a rotator
// has been installed, also to the current log file.
func (w *LogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	r := w.rotator
	w.mu.Unlock()

	if w.useStdout {
		_, _ = os.Stdout.Write(b)
	}
	if r != nil {
		return r.Write(b)
	}
	return len(b), nil
}

// InitLogRotator initialises the log file rotation backend at logFile,
// rotating when it exceeds maxSizeKB kilobytes and keeping maxFiles rotated
// copies, matching the teacher's jrick/logrotate usage.
func (w *LogWriter) InitLogRotator(logFile string, maxSizeKB, maxFiles int) error {
	r, err := rotator.New(logFile, int64(maxSizeKB), false, maxFiles)
	if err != nil {
		return fmt.Errorf("build: creating log rotator: %w", err)
	}
	w.mu.Lock()
	w.rotator = r
	w.mu.Unlock()
	return nil
}

// Close closes the underlying rotator, if any.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rotator == nil {
		return nil
	}
	return w.rotator.Close()
}

// RotatingLogWriter wraps a LogWriter with a registry of named sub-loggers,
// each backed by the same underlying output, so every subsystem's log lines
// share one rotated file while still being independently level-filterable.
type RotatingLogWriter struct {
	writer  *LogWriter
	backend *slog.Backend

	mu         sync.Mutex
	subLoggers map[string]slog.Logger
}

// NewRotatingLogWriter builds a RotatingLogWriter over a fresh LogWriter.
func NewRotatingLogWriter() *RotatingLogWriter {
	w := NewLogWriter()
	return &RotatingLogWriter{
		writer:     w,
		backend:    slog.NewBackend(w),
		subLoggers: make(map[string]slog.Logger),
	}
}

// InitLogRotator initialises file-based rotation, per LogWriter.InitLogRotator.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxSizeKB, maxFiles int) error {
	return r.writer.InitLogRotator(logFile, maxSizeKB, maxFiles)
}

// Close shuts down the underlying rotator.
func (r *RotatingLogWriter) Close() error {
	return r.writer.Close()
}

// GenSubLogger creates a new slog.Logger backed by this writer's shared
// output, tagged with the given subsystem prefix. It is the constructor
// function passed to NewSubLogger by every package-level logger.
func (r *RotatingLogWriter) GenSubLogger(subsystem string) slog.Logger {
	return r.backend.Logger(subsystem)
}

// RegisterSubLogger records the logger for subsystem so SetLogLevel(s) can
// find it later.
func (r *RotatingLogWriter) RegisterSubLogger(subsystem string, logger slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subLoggers[subsystem] = logger
}

// SetLogLevel sets the log level of a registered subsystem, a no-op if the
// subsystem was never registered.
func (r *RotatingLogWriter) SetLogLevel(subsystem, level string) {
	r.mu.Lock()
	logger, ok := r.subLoggers[subsystem]
	r.mu.Unlock()
	if !ok {
		return
	}
	lvl, _ := slog.LevelFromString(level)
	logger.SetLevel(lvl)
}

// SetLogLevels sets every registered subsystem's logger to level.
func (r *RotatingLogWriter) SetLogLevels(level string) {
	r.mu.Lock()
	subsystems := make([]string, 0, len(r.subLoggers))
	for s := range r.subLoggers {
		subsystems = append(subsystems, s)
	}
	r.mu.Unlock()
	for _, s := range subsystems {
		r.SetLogLevel(s, level)
	}
}

// NewSubLogger builds the placeholder logger used by a package-level
// replaceableLogger before the root RotatingLogWriter exists (e.g. at
// package init time), and the real one once it does. genLogger is nil
// before SetupLoggers runs; in that case logs are simply discarded, the
// same placeholder behaviour the teacher's addLndPkgLogger relies on.
func NewSubLogger(subsystem string, genLogger func(string) slog.Logger) slog.Logger {
	if genLogger == nil {
		return slog.Disabled
	}
	return genLogger(subsystem)
}
