package swap

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLegs(hash SecretHash) (Params, Params) {
	now := time.Unix(1700000000, 0)
	alpha := Params{
		Ledger: LedgerBitcoin, Asset: AssetBitcoinQuantity,
		Quantity: "100000000", RedeemId: "02AB", RefundId: "03CD",
		SecretHash: hash, Expiry: now.Add(48 * time.Hour),
	}
	beta := Params{
		Ledger: LedgerEthereum, Asset: AssetEtherQuantity,
		Quantity: "1000000000000000000", RedeemId: "0xEF", RefundId: "0x12",
		SecretHash: hash, Expiry: now.Add(24 * time.Hour),
	}
	return alpha, beta
}

func TestSecretHashRoundTrip(t *testing.T) {
	secret, err := NewSecret(bytes.NewReader(bytes.Repeat([]byte{0x42}, SecretSize)))
	require.NoError(t, err)

	hash := secret.Hash()
	require.True(t, hash.Verify(secret))

	parsed, err := ParseSecretHash(hash.String())
	require.NoError(t, err)
	require.Equal(t, hash, parsed)
}

func TestParseSecretHashRejectsWrongLength(t *testing.T) {
	_, err := ParseSecretHash("deadbeef")
	require.Error(t, err)
}

func TestSwapIdHexRoundTrip(t *testing.T) {
	id := NewSwapId()

	wire := id.Hex()
	require.Len(t, wire, 32) // bare hex of 16 bytes, no dashes
	require.NotContains(t, wire, "-")

	parsed, err := ParseSwapIdHex(wire)
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseSwapIdHex("deadbeef")
	require.Error(t, err)
	_, err = ParseSwapIdHex(id.String()) // dashed form is not valid on the wire
	require.Error(t, err)
}

func TestParseRole(t *testing.T) {
	for s, want := range map[string]Role{"Alice": RoleAlice, "alice": RoleAlice, "Bob": RoleBob, "bob": RoleBob} {
		got, err := ParseRole(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseRole("carol")
	require.Error(t, err)
}

// Two nodes that negotiated the same swap must compute byte-identical
// digests, regardless of how each renders identity hex case.
func TestComputeDigestIsCanonical(t *testing.T) {
	var hash SecretHash
	alpha, beta := testLegs(hash)
	d1 := ComputeDigest(alpha, beta)

	// The counterparty renders identities lowercased and pads quantity
	// whitespace differently; the digest must not care.
	alpha2 := alpha
	alpha2.RedeemId = strings.ToLower(alpha.RedeemId)
	alpha2.RefundId = strings.ToLower(alpha.RefundId)
	alpha2.Quantity = " " + alpha.Quantity + " "
	d2 := ComputeDigest(alpha2, beta)

	require.Equal(t, d1, d2)
}

func TestComputeDigestDiffersAcrossSwaps(t *testing.T) {
	var hash SecretHash
	alpha, beta := testLegs(hash)
	d1 := ComputeDigest(alpha, beta)

	alpha.Quantity = "100000001"
	d2 := ComputeDigest(alpha, beta)
	require.NotEqual(t, d1, d2)
}

func TestValidateSwapParams(t *testing.T) {
	var hash SecretHash
	alpha, beta := testLegs(hash)
	require.NoError(t, ValidateSwapParams(alpha, beta))

	// I1: differing hashes.
	betaBadHash := beta
	betaBadHash.SecretHash[0] ^= 0xff
	require.Error(t, ValidateSwapParams(alpha, betaBadHash))

	// I2: alpha expiry too close to beta's.
	alphaTight := alpha
	alphaTight.Expiry = beta.Expiry.Add(SafetyMargin / 2)
	require.Error(t, ValidateSwapParams(alphaTight, beta))

	// I2 is strict: exactly beta + margin is still too tight.
	alphaExact := alpha
	alphaExact.Expiry = beta.Expiry.Add(SafetyMargin)
	require.Error(t, ValidateSwapParams(alphaExact, beta))

	// Asset/ledger pairing.
	alphaBadAsset := alpha
	alphaBadAsset.Asset = AssetErc20
	require.Error(t, ValidateSwapParams(alphaBadAsset, beta))
}

func TestApplyLedgerStateIsMonotone(t *testing.T) {
	opened := LedgerState{Kind: LedgerOpened}
	accepted := LedgerState{Kind: LedgerAccepted}
	settled := LedgerState{Kind: LedgerSettled}
	cancelled := LedgerState{Kind: LedgerCancelled}

	st, err := ApplyLedgerState(LedgerState{}, opened)
	require.NoError(t, err)
	st, err = ApplyLedgerState(st, accepted)
	require.NoError(t, err)
	st, err = ApplyLedgerState(st, settled)
	require.NoError(t, err)

	// Terminal states reject everything but themselves.
	_, err = ApplyLedgerState(st, cancelled)
	require.ErrorIs(t, err, ErrNonMonotoneTransition)
	again, err := ApplyLedgerState(st, settled)
	require.NoError(t, err)
	require.Equal(t, st, again)

	// Backward transitions are rejected.
	_, err = ApplyLedgerState(accepted, opened)
	require.ErrorIs(t, err, ErrNonMonotoneTransition)
}

func TestWitnessSecretEnforcesConsistency(t *testing.T) {
	var a, b Secret
	copy(a[:], bytes.Repeat([]byte{0x01}, SecretSize))
	copy(b[:], bytes.Repeat([]byte{0x02}, SecretSize))

	st := State{}
	require.NoError(t, st.WitnessSecret(a))
	require.NoError(t, st.WitnessSecret(a)) // same secret again is fine
	require.Error(t, st.WitnessSecret(b))   // conflicting secret is a fault
}

func TestExpiryPolicyComputeExpiries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	alpha, beta, err := DefaultExpiryPolicy().ComputeExpiries(now)
	require.NoError(t, err)
	require.Equal(t, now.Add(DefaultAlphaWindow), alpha)
	require.Equal(t, now.Add(DefaultBetaWindow), beta)
	require.True(t, alpha.After(beta.Add(SafetyMargin)))
}

func TestExpiryPolicyRejectsDegenerateWindows(t *testing.T) {
	now := time.Unix(1700000000, 0)

	_, _, err := ExpiryPolicy{AlphaWindow: 2 * time.Hour, BetaWindow: 30 * time.Minute}.ComputeExpiries(now)
	require.ErrorIs(t, err, ErrWindowTooShort)

	_, _, err = ExpiryPolicy{AlphaWindow: 2 * time.Hour, BetaWindow: 2 * time.Hour}.ComputeExpiries(now)
	require.ErrorIs(t, err, ErrMarginExceedsWindow)
}

func TestValidateLedgerAsset(t *testing.T) {
	require.NoError(t, ValidateLedgerAsset(LedgerBitcoin, AssetBitcoinQuantity))
	require.NoError(t, ValidateLedgerAsset(LedgerEthereum, AssetErc20))
	require.NoError(t, ValidateLedgerAsset(LedgerLightningBitcoin, AssetBitcoinQuantity))
	require.ErrorIs(t, ValidateLedgerAsset(LedgerBitcoin, AssetErc20), ErrLedgerAssetMismatch)
	require.ErrorIs(t, ValidateLedgerAsset(LedgerLightningBitcoin, AssetEtherQuantity), ErrLedgerAssetMismatch)
}
