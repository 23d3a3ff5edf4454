package protocol

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-level logger used by every Driver.
func UseLogger(logger slog.Logger) {
	log = logger
}
