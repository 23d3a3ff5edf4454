package swap

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Params describes one side (one HTLC) of a swap: the ledger it settles on,
// the asset and quantity locked, the redeem/refund identities, the shared
// secret hash, and the absolute expiry after which the refund path opens.
//
// The Side type parameter in the distilled design (Params<Side>) becomes a
// plain struct tagged by LedgerKind/AssetKind here; Go has no const generics
// cheap enough to express "Side" as a compile-time tag, so which leg a
// Params value describes is known only from where it is held (the Alpha or
// Beta field of CreatedSwap/AcceptedSwap).
type Params struct {
	Ledger     LedgerKind
	Asset      AssetKind
	Quantity   string // decimal string; avoids float precision loss across ledgers
	RedeemId   string // ledger-specific identity (address or pubkey hex) that may redeem
	RefundId   string // ledger-specific identity that may refund after Expiry
	SecretHash SecretHash
	Expiry     time.Time
}

// Validate checks internal consistency of a single Params value. It does not
// check invariants that span both sides of a swap (I1-I2); see
// ValidateSwapParams for those.
func (p Params) Validate() error {
	if err := ValidateLedgerAsset(p.Ledger, p.Asset); err != nil {
		return err
	}
	if strings.TrimSpace(p.Quantity) == "" {
		return fmt.Errorf("swap: params quantity must not be empty")
	}
	if p.RedeemId == "" || p.RefundId == "" {
		return fmt.Errorf("swap: params redeem/refund identities must not be empty")
	}
	if p.Expiry.IsZero() {
		return fmt.Errorf("swap: params expiry must be set")
	}
	return nil
}

// SafetyMargin is the minimum gap required between the beta-ledger (shorter
// timeout) expiry and the alpha-ledger (longer timeout) expiry, so that Bob
// always has time to redeem on alpha after observing the secret on beta
// before beta's refund path opens underneath him. This is invariant I2.
const SafetyMargin = 1 * time.Hour

// ValidateSwapParams checks the invariants that span both legs of a swap:
//
//	I1: both legs commit to the identical SecretHash.
//	I2: Alpha.Expiry > Beta.Expiry + SafetyMargin.
func ValidateSwapParams(alpha, beta Params) error {
	if err := alpha.Validate(); err != nil {
		return fmt.Errorf("alpha params: %w", err)
	}
	if err := beta.Validate(); err != nil {
		return fmt.Errorf("beta params: %w", err)
	}
	if alpha.SecretHash != beta.SecretHash {
		return fmt.Errorf("swap: alpha and beta secret hashes differ (I1 violated)")
	}
	if !alpha.Expiry.After(beta.Expiry.Add(SafetyMargin)) {
		return fmt.Errorf("swap: alpha expiry %s does not clear beta expiry %s plus safety margin %s (I2 violated)",
			alpha.Expiry, beta.Expiry, SafetyMargin)
	}
	return nil
}

// CreatedSwap is what either party persists the moment it decides to take
// part in a swap, before the peers have confirmed it to each other. Only
// Alice carries the Secret; Bob's record holds nothing but the hash
// embedded in both legs' Params, since he never sees the preimage until
// Alice redeems.
type CreatedSwap struct {
	LocalSwapId LocalSwapId
	Role        Role
	Alpha       Params
	Beta        Params
	Secret      *Secret // set only when Role == RoleAlice
	PeerId      string  // libp2p-style peer identity of the counterparty
	CreatedAt   time.Time
}

// SecretHash returns the hash both legs commit to. The two legs carry the
// same hash by invariant I1, enforced before any CreatedSwap is persisted.
func (c CreatedSwap) SecretHash() SecretHash {
	return c.Alpha.SecretHash
}

// AcceptedSwap is what either party persists once the announce handshake has
// assigned a shared SwapId and the counterparty has confirmed participation.
type AcceptedSwap struct {
	SwapId      SwapId
	LocalSwapId LocalSwapId
	Role        Role
	Alpha       Params
	Beta        Params
	SecretHash  SecretHash
	PeerId      string
	AcceptedAt  time.Time
}

// Digest is the canonical, network-byte-order/lowercase-hex/decimal-amount
// encoding of a swap's parameters, hashed to a fixed-size commitment that
// both parties can independently recompute during the announce handshake
// (see spec.md §4.2/§4.5). Field order is fixed so both implementations
// agree byte-for-byte regardless of struct layout.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// ComputeDigest derives the canonical Digest for a swap from its two legs.
// The encoding writes, in order: alpha ledger/asset tags, alpha quantity
// (decimal string with surrounding whitespace trimmed; leading zeros are
// kept), alpha redeem/refund ids (lowercased), each of those three followed
// by a NUL byte, alpha expiry (big-endian unix seconds), then the same fields
// for beta, then the shared secret hash.
func ComputeDigest(alpha, beta Params) Digest {
	var buf bytes.Buffer
	writeParams(&buf, alpha)
	writeParams(&buf, beta)
	buf.Write(alpha.SecretHash[:])
	return sha256.Sum256(buf.Bytes())
}

func writeParams(buf *bytes.Buffer, p Params) {
	buf.WriteByte(byte(p.Ledger))
	buf.WriteByte(byte(p.Asset))
	buf.WriteString(strings.ToLower(strings.TrimSpace(p.Quantity)))
	buf.WriteByte(0) // field separator; quantity is variable-length decimal
	buf.WriteString(strings.ToLower(p.RedeemId))
	buf.WriteByte(0)
	buf.WriteString(strings.ToLower(p.RefundId))
	buf.WriteByte(0)
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(p.Expiry.Unix()))
	buf.Write(expiry[:])
}
