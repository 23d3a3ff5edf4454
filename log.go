package cnd

import (
	"github.com/decred/slog"

	"github.com/comit-network/cnd/build"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic, identical
// in shape to the teacher's lndPkgLogger.
type replaceableLogger struct {
	slog.Logger
	subsystem string
}

// Package-level loggers are disabled until SetupLoggers wires them to the
// root build.RotatingLogWriter in cmd/cnd; that writer logs to stdout, and
// additionally to a rotating file once InitLogRotator has been called.
var (
	pkgLoggers []*replaceableLogger

	addPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		pkgLoggers = append(pkgLoggers, l)
		return l
	}

	// log is the package-level logger for the root cnd package (process
	// lifecycle, shutdown).
	log = addPkgLogger("CNDD")
)

// SetupLoggers wires every subsystem's package-level logger to the shared
// root writer, in the teacher's AddSubLogger/SetSubLogger idiom. Call once,
// as early in process startup as the config and --log.level flag have been
// parsed.
func SetupLoggers(root *build.RotatingLogWriter) {
	for _, l := range pkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, root.GenSubLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}
}

// AddSubLogger is a helper to conveniently create and register the logger
// of one or more subsystems, matching the teacher's helper of the same name.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string, useLoggers ...func(slog.Logger)) {
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger registers logger under subsystem and fans it out to every
// useLogger setter (each package's own UseLogger function).
func SetSubLogger(root *build.RotatingLogWriter, subsystem string, logger slog.Logger, useLoggers ...func(slog.Logger)) {
	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
