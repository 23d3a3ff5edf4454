package ethereum

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-level logger used by this connector.
func UseLogger(logger slog.Logger) {
	log = logger
}
