package main

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-level logger used by the daemon entrypoint.
func UseLogger(logger slog.Logger) {
	log = logger
}
