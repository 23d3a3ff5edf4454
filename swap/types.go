// Package swap defines the shared data model for cross-chain atomic swaps:
// identifiers, roles, secrets, ledger/asset tags, and the invariants that
// every protocol driver and the coordinator must uphold.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// SwapId identifies a swap as agreed between both parties. It is exchanged
// during the announce handshake and is therefore stable across restarts of
// either party's daemon.
type SwapId uuid.UUID

// NewSwapId generates a fresh random SwapId.
func NewSwapId() SwapId {
	return SwapId(uuid.New())
}

func (s SwapId) String() string {
	return uuid.UUID(s).String()
}

// ParseSwapId parses the canonical string form of a SwapId.
func ParseSwapId(s string) (SwapId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SwapId{}, fmt.Errorf("parsing swap id %q: %w", s, err)
	}
	return SwapId(id), nil
}

// Hex returns the bare hex encoding of the SwapId's 16 bytes, the form the
// announce wire carries ({"swap_id": "<hex-16>"}), as opposed to String's
// dashed form used in storage and the HTTP API.
func (s SwapId) Hex() string {
	raw := uuid.UUID(s)
	return hex.EncodeToString(raw[:])
}

// ParseSwapIdHex parses the bare hex wire form of a SwapId.
func ParseSwapIdHex(s string) (SwapId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SwapId{}, fmt.Errorf("parsing hex swap id %q: %w", s, err)
	}
	var id uuid.UUID
	if len(b) != len(id) {
		return SwapId{}, fmt.Errorf("hex swap id %q has %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return SwapId(id), nil
}

// LocalSwapId identifies a swap before the remote peer has confirmed it, and
// remains valid as a local handle for the swap's entire lifetime. It never
// leaves this node.
type LocalSwapId uuid.UUID

// NewLocalSwapId generates a fresh random LocalSwapId.
func NewLocalSwapId() LocalSwapId {
	return LocalSwapId(uuid.New())
}

func (l LocalSwapId) String() string {
	return uuid.UUID(l).String()
}

// Role is which side of the HTLC pair a party plays. Alice initiates by
// choosing the secret; Bob accepts and redeems second.
type Role uint8

const (
	RoleAlice Role = iota
	RoleBob
)

func (r Role) String() string {
	switch r {
	case RoleAlice:
		return "Alice"
	case RoleBob:
		return "Bob"
	default:
		return "unknown"
	}
}

// ParseRole parses the canonical string form of a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "Alice", "alice":
		return RoleAlice, nil
	case "Bob", "bob":
		return RoleBob, nil
	default:
		return 0, fmt.Errorf("swap: unknown role %q", s)
	}
}

// Counterparty returns the role on the other side of the swap.
func (r Role) Counterparty() Role {
	if r == RoleAlice {
		return RoleBob
	}
	return RoleAlice
}

// SecretSize is the length in bytes of the preimage Alice generates.
const SecretSize = 32

// Secret is the HTLC preimage. Only Alice knows it until she redeems on her
// own ledger's counterpart contract, at which point Bob witnesses it and
// redeems in turn (invariant I4).
type Secret [SecretSize]byte

// NewSecret reads a fresh random secret from the given entropy source. Use
// crypto/rand.Reader in production code; tests may substitute a deterministic
// reader.
func NewSecret(random io.Reader) (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(random, s[:]); err != nil {
		return Secret{}, fmt.Errorf("reading secret entropy: %w", err)
	}
	return s, nil
}

// Hash returns the SecretHash committing to this secret.
func (s Secret) Hash() SecretHash {
	return SecretHash(sha256.Sum256(s[:]))
}

func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// SecretHashSize is the length in bytes of a SecretHash (SHA-256 digest).
const SecretHashSize = 32

// SecretHash is the public commitment to a Secret, embedded in both HTLC
// contracts. Invariant I1 requires both ledgers to use the identical hash.
type SecretHash [SecretHashSize]byte

func (h SecretHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseSecretHash parses a hex-encoded 32-byte hash.
func ParseSecretHash(s string) (SecretHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SecretHash{}, fmt.Errorf("decoding secret hash %q: %w", s, err)
	}
	if len(b) != SecretHashSize {
		return SecretHash{}, fmt.Errorf("secret hash %q has %d bytes, want %d", s, len(b), SecretHashSize)
	}
	var h SecretHash
	copy(h[:], b)
	return h, nil
}

// Verify reports whether candidate hashes to h.
func (h SecretHash) Verify(candidate Secret) bool {
	return candidate.Hash() == h
}

// LedgerKind identifies the chain a swap leg settles on.
type LedgerKind uint8

const (
	LedgerBitcoin LedgerKind = iota
	LedgerEthereum
	LedgerLightningBitcoin
)

func (k LedgerKind) String() string {
	switch k {
	case LedgerBitcoin:
		return "bitcoin"
	case LedgerEthereum:
		return "ethereum"
	case LedgerLightningBitcoin:
		return "lightning-bitcoin"
	default:
		return "unknown"
	}
}

// AssetKind identifies what is being locked up on a ledger leg.
type AssetKind uint8

const (
	AssetBitcoinQuantity AssetKind = iota
	AssetEtherQuantity
	AssetErc20
)

func (k AssetKind) String() string {
	switch k {
	case AssetBitcoinQuantity:
		return "bitcoin-quantity"
	case AssetEtherQuantity:
		return "ether-quantity"
	case AssetErc20:
		return "erc20"
	default:
		return "unknown"
	}
}

// ErrLedgerAssetMismatch is returned when an AssetKind is paired with a
// LedgerKind that cannot hold it (e.g. Erc20 on Bitcoin).
var ErrLedgerAssetMismatch = errors.New("swap: asset kind is not valid on this ledger kind")

// ValidateLedgerAsset enforces the pairing every Params value must satisfy.
func ValidateLedgerAsset(l LedgerKind, a AssetKind) error {
	switch l {
	case LedgerBitcoin, LedgerLightningBitcoin:
		if a != AssetBitcoinQuantity {
			return ErrLedgerAssetMismatch
		}
	case LedgerEthereum:
		if a != AssetEtherQuantity && a != AssetErc20 {
			return ErrLedgerAssetMismatch
		}
	default:
		return fmt.Errorf("swap: unknown ledger kind %v", l)
	}
	return nil
}
