package bitcoin

import "github.com/decred/slog"

// log is this package's logger, wired to the shared root output by
// cnd.SetupLoggers -> AddSubLogger(root, "CNCT", bitcoin.UseLogger).
var log = slog.Disabled

// UseLogger sets the package-level logger used by this connector.
func UseLogger(logger slog.Logger) {
	log = logger
}
