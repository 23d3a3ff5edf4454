// Package storage persists CreatedSwap and AcceptedSwap records to SQLite
// (spec.md §3, §6), using modernc.org/sqlite's pure-Go driver so cnd avoids
// a cgo build requirement. Per spec.md §5 and §9, the database handle is a
// single-writer, mutex-guarded singleton: every write happens inside one
// transaction, serialised against every other write.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comit-network/cnd/swap"
)

// schema is applied idempotently at startup (spec.md §6: "Migrations are
// applied at startup, idempotently. On schema mismatch the process exits
// non-zero.").
const schema = `
CREATE TABLE IF NOT EXISTS created_swaps (
	local_swap_id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	alpha_ledger INTEGER NOT NULL,
	alpha_asset INTEGER NOT NULL,
	alpha_quantity TEXT NOT NULL,
	alpha_redeem_id TEXT NOT NULL,
	alpha_refund_id TEXT NOT NULL,
	alpha_expiry INTEGER NOT NULL,
	beta_ledger INTEGER NOT NULL,
	beta_asset INTEGER NOT NULL,
	beta_quantity TEXT NOT NULL,
	beta_redeem_id TEXT NOT NULL,
	beta_refund_id TEXT NOT NULL,
	beta_expiry INTEGER NOT NULL,
	secret_hash TEXT NOT NULL,
	secret TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rfc003_swaps (
	swap_id TEXT PRIMARY KEY,
	local_swap_id TEXT NOT NULL REFERENCES created_swaps(local_swap_id),
	role TEXT NOT NULL,
	counterparty TEXT NOT NULL,
	alpha_ledger TEXT NOT NULL,
	beta_ledger TEXT NOT NULL,
	accepted_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS rfc003_swaps_local_swap_id ON rfc003_swaps(local_swap_id);
`

// Store is the mutex-guarded SQLite handle cnd uses for persistence. The
// mutex serialises every transaction rather than relying solely on
// SQLite's own locking, so a single logical write (e.g. "insert the
// AcceptedSwap row, atomically with checking no row exists yet") can never
// interleave with another goroutine's write, per spec.md §5 and §9
// ("connection pool must preserve single-writer semantics for
// transactions involving the same swap row").
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema migrations idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer, no parallel access needed

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: applying schema: %w", err)
	}
	log.Debugf("opened sqlite database at %s, schema applied", path)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCreatedSwap persists a freshly proposed swap, before any peer has
// confirmed it. Re-saving the same LocalSwapId does not error: it keeps the
// existing row and only updates its peer_id, so a crash-and-restart between
// creating the swap and triggering announce can safely retry from the top.
func (s *Store) SaveCreatedSwap(ctx context.Context, created swap.CreatedSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var secret sql.NullString
	if created.Secret != nil {
		secret = sql.NullString{String: created.Secret.String(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO created_swaps (
			local_swap_id, role, peer_id,
			alpha_ledger, alpha_asset, alpha_quantity, alpha_redeem_id, alpha_refund_id, alpha_expiry,
			beta_ledger, beta_asset, beta_quantity, beta_redeem_id, beta_refund_id, beta_expiry,
			secret_hash, secret, created_at
		) VALUES (?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?)
		ON CONFLICT(local_swap_id) DO UPDATE SET
			peer_id=excluded.peer_id`,
		created.LocalSwapId.String(), created.Role.String(), created.PeerId,
		int(created.Alpha.Ledger), int(created.Alpha.Asset), created.Alpha.Quantity, created.Alpha.RedeemId, created.Alpha.RefundId, created.Alpha.Expiry.Unix(),
		int(created.Beta.Ledger), int(created.Beta.Asset), created.Beta.Quantity, created.Beta.RedeemId, created.Beta.RefundId, created.Beta.Expiry.Unix(),
		created.SecretHash().String(), secret, created.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("storage: inserting created swap %s: %w", created.LocalSwapId, err)
	}
	return tx.Commit()
}

// SaveAcceptedSwap persists the pairing assigned by the announce protocol
// (spec.md §4.5: "On Confirm, Alice persists the pairing (local_id,
// swap_id, peer_id)..."). It is a no-op, not an error, if the same
// local_swap_id has already been accepted, so a duplicate Confirm message
// never double-commits (spec.md §8: "Sending the same announce twice
// yields one persisted AcceptedSwap.").
func (s *Store) SaveAcceptedSwap(ctx context.Context, accepted swap.AcceptedSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT swap_id FROM rfc003_swaps WHERE local_swap_id = ?`, accepted.LocalSwapId.String()).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rfc003_swaps (swap_id, local_swap_id, role, counterparty, alpha_ledger, beta_ledger, accepted_at)
			VALUES (?,?,?,?,?,?,?)`,
			accepted.SwapId.String(), accepted.LocalSwapId.String(), accepted.Role.String(), accepted.PeerId,
			accepted.Alpha.Ledger.String(), accepted.Beta.Ledger.String(), accepted.AcceptedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("storage: inserting accepted swap %s: %w", accepted.SwapId, err)
		}
		return tx.Commit()
	case err != nil:
		return fmt.Errorf("storage: checking for existing accepted swap: %w", err)
	default:
		// Already accepted; duplicate Confirm is ignored, not an error.
		return tx.Commit()
	}
}

// LoadCreatedSwap fetches the CreatedSwap record for localID.
func (s *Store) LoadCreatedSwap(ctx context.Context, localID swap.LocalSwapId) (swap.CreatedSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT role, peer_id,
			alpha_ledger, alpha_asset, alpha_quantity, alpha_redeem_id, alpha_refund_id, alpha_expiry,
			beta_ledger, beta_asset, beta_quantity, beta_redeem_id, beta_refund_id, beta_expiry,
			secret_hash, secret, created_at
		FROM created_swaps WHERE local_swap_id = ?`, localID.String())

	var created swap.CreatedSwap
	var role, secretHashHex string
	var alphaLedger, alphaAsset, betaLedger, betaAsset int
	var alphaExpiry, betaExpiry, createdAt int64
	var secretHex sql.NullString

	err := row.Scan(
		&role, &created.PeerId,
		&alphaLedger, &alphaAsset, &created.Alpha.Quantity, &created.Alpha.RedeemId, &created.Alpha.RefundId, &alphaExpiry,
		&betaLedger, &betaAsset, &created.Beta.Quantity, &created.Beta.RedeemId, &created.Beta.RefundId, &betaExpiry,
		&secretHashHex, &secretHex, &createdAt,
	)
	if err == sql.ErrNoRows {
		return swap.CreatedSwap{}, fmt.Errorf("storage: no created swap for local id %s", localID)
	}
	if err != nil {
		return swap.CreatedSwap{}, fmt.Errorf("storage: loading created swap %s: %w", localID, err)
	}

	created.LocalSwapId = localID
	created.Role, err = swap.ParseRole(role)
	if err != nil {
		return swap.CreatedSwap{}, fmt.Errorf("storage: decoding stored role: %w", err)
	}
	created.Alpha.Ledger = swap.LedgerKind(alphaLedger)
	created.Alpha.Asset = swap.AssetKind(alphaAsset)
	created.Alpha.Expiry = time.Unix(alphaExpiry, 0)
	created.Beta.Ledger = swap.LedgerKind(betaLedger)
	created.Beta.Asset = swap.AssetKind(betaAsset)
	created.Beta.Expiry = time.Unix(betaExpiry, 0)
	created.CreatedAt = time.Unix(createdAt, 0)

	hash, err := swap.ParseSecretHash(secretHashHex)
	if err != nil {
		return swap.CreatedSwap{}, fmt.Errorf("storage: decoding stored secret hash: %w", err)
	}
	created.Alpha.SecretHash = hash
	created.Beta.SecretHash = hash

	if secretHex.Valid && secretHex.String != "" {
		// The secret is hex-encoded at the same width as a hash.
		raw, err := swap.ParseSecretHash(secretHex.String)
		if err != nil {
			return swap.CreatedSwap{}, fmt.Errorf("storage: decoding stored secret: %w", err)
		}
		secret := swap.Secret(raw)
		if secret.Hash() != hash {
			return swap.CreatedSwap{}, fmt.Errorf("storage: stored secret does not hash to stored secret_hash for %s", localID)
		}
		created.Secret = &secret
	}

	return created, nil
}
