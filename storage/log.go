package storage

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-level logger used by the persistence layer.
func UseLogger(logger slog.Logger) {
	log = logger
}
