// Package connectors defines the uniform ledger connector contract
// (spec.md §4.1) that every supported chain implements, plus a driver
// registry modeled on the teacher's wallet-backend registration pattern so
// that connectors/bitcoin, connectors/ethereum, and connectors/lightning can
// each register themselves without the protocol driver importing their
// concrete types.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comit-network/cnd/swap"
)

// Connector is the uniform contract every ledger backend implements: four
// suspending operations, one per observable HTLC phase. Each method polls
// (or subscribes, for backends with push notifications) until the
// corresponding on-chain transition is observed for the given params, the
// context is cancelled, or a terminal validation mismatch is detected.
//
// WaitForSettled and WaitForCancelled are raced against each other by the
// protocol driver; whichever resolves first wins and the loser's context is
// cancelled. Implementations must therefore be cancellation-safe: a
// cancelled wait leaves no side effects and may be re-entered.
type Connector interface {
	// WaitForOpened blocks until a transaction funding the HTLC described by
	// params is seen, returning its ledger-specific identifier (funding
	// txid, Funded event transaction hash, or invoice hash).
	WaitForOpened(ctx context.Context, params swap.Params) (string, error)

	// WaitForAccepted blocks until the HTLC funding transaction has reached
	// the backend's confirmation/acceptance threshold.
	WaitForAccepted(ctx context.Context, params swap.Params) error

	// WaitForSettled blocks until the HTLC is redeemed AND the preimage has
	// been extracted from the redeem transaction, event log, or Lightning
	// state, verified against params. A redeem observed without a valid
	// preimage is a terminal error wrapping ErrValidationMismatch. An
	// observed refund never resolves this wait; it resolves WaitForCancelled
	// instead.
	WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error)

	// WaitForCancelled blocks until the HTLC's refund path has completed.
	WaitForCancelled(ctx context.Context, params swap.Params) error

	// Kind identifies which LedgerKind this connector serves.
	Kind() swap.LedgerKind
}

// ErrNotYetObserved is a sentinel wrapped into errors returned by backend
// lookups when the queried resource (e.g. a block explorer lookup) comes
// back 404: "not yet" rather than "never will be". Poll retries these.
var ErrNotYetObserved = errors.New("connectors: resource not yet observed")

// ErrValidationMismatch is the sentinel for terminal errors: the observed
// on-chain data exists but does not match the expected params (wrong amount,
// wrong hash, wrong script). These never resolve by retrying, and Poll
// surfaces them immediately.
var ErrValidationMismatch = errors.New("connectors: observed data does not match expected params")

// ErrExpired is the sentinel for a wait that can no longer succeed because
// the HTLC's refund deadline passed before the watched transition was ever
// observed — most importantly a counterparty that never funded. The expiry
// is a property of the ledger being watched, carried in Params, not an
// internal wall-clock timeout.
var ErrExpired = errors.New("connectors: htlc expiry passed before the watched transition")

// IsTerminal reports whether a connector error can never be resolved by
// polling again. Everything else (network failures, backend 5xx, SQLite
// busy) is transient and retried silently at the poll interval, per the
// error handling contract: transient I/O never advances or aborts a swap.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidationMismatch) || errors.Is(err, ErrExpired) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Poll calls check every interval until it reports done, returns a terminal
// error, or ctx is cancelled. Transient errors are logged by the caller's
// own backend layer if at all; Poll itself swallows them and retries, so a
// flaky explorer or LND node costs latency, never correctness.
func Poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil && IsTerminal(err) {
			return err
		}
		if err == nil && done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Driver is the self-registration contract a connector package implements in
// its init(), mirroring the teacher's WalletDriver pattern: each backend
// registers a constructor under its LedgerKind so cmd/cnd can build the set
// of active connectors purely from configuration, without a compile-time
// dependency from this package on any concrete connector implementation.
type Driver struct {
	// Kind is the LedgerKind this driver constructs connectors for.
	Kind swap.LedgerKind

	// New constructs a Connector from backend-specific configuration,
	// type-asserted by the driver's own package from the opaque config
	// value cmd/cnd passes through.
	New func(cfg interface{}) (Connector, error)
}

var (
	registerMtx     sync.Mutex
	registeredDrvrs = make(map[swap.LedgerKind]*Driver)
)

// RegisterDriver makes a connector backend available by its LedgerKind. It
// is intended to be called from a backend package's init() function.
func RegisterDriver(driver *Driver) error {
	registerMtx.Lock()
	defer registerMtx.Unlock()

	if driver == nil {
		return fmt.Errorf("connectors: nil driver")
	}
	if _, ok := registeredDrvrs[driver.Kind]; ok {
		return fmt.Errorf("connectors: driver for %s already registered", driver.Kind)
	}
	registeredDrvrs[driver.Kind] = driver
	return nil
}

// RegisteredDrivers returns the full set of currently registered connector
// drivers, keyed by LedgerKind.
func RegisteredDrivers() map[swap.LedgerKind]*Driver {
	registerMtx.Lock()
	defer registerMtx.Unlock()

	out := make(map[swap.LedgerKind]*Driver, len(registeredDrvrs))
	for k, v := range registeredDrvrs {
		out[k] = v
	}
	return out
}

// New builds a Connector for the given LedgerKind using whichever driver
// registered itself for that kind.
func New(kind swap.LedgerKind, cfg interface{}) (Connector, error) {
	registerMtx.Lock()
	driver, ok := registeredDrvrs[kind]
	registerMtx.Unlock()

	if !ok {
		return nil, fmt.Errorf("connectors: no driver registered for %s", kind)
	}
	return driver.New(cfg)
}
