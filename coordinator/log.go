package coordinator

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-level logger used by the coordinator.
func UseLogger(logger slog.Logger) {
	log = logger
}
