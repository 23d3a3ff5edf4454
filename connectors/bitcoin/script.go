package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

// htlcScript assembles the HTLC redeem script for one swap leg:
//
//	OP_IF
//	    OP_SHA256 <secret hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <redeem pubkey hash>
//	OP_ELSE
//	    <expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund pubkey hash>
//	OP_ENDIF
//	OP_EQUALVERIFY
//	OP_CHECKSIG
//
// The claim path spends with [sig, pubkey, preimage, 1, script]; the refund
// path with [sig, pubkey, 0, script] after the locktime. Both legs' redeem
// and refund identities are hex-encoded compressed secp256k1 public keys.
func htlcScript(params swap.Params) ([]byte, error) {
	redeemKey, err := parsePubKey(params.RedeemId)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: redeem identity: %w", err)
	}
	refundKey, err := parsePubKey(params.RefundId)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: refund identity: %w", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(params.SecretHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(stdaddr.Hash160(redeemKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(params.Expiry.Unix())
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(stdaddr.Hash160(refundKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("bitcoin: building htlc script: %w", err)
	}
	return script, nil
}

// p2shScript wraps an HTLC redeem script in the pay-to-script-hash output
// script the funding transaction is expected to pay to. The connector
// watches the chain for an output carrying exactly this script.
func p2shScript(redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(stdaddr.Hash160(redeemScript))
	builder.AddOp(txscript.OP_EQUAL)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("bitcoin: building p2sh script: %w", err)
	}
	return script, nil
}

// parsePubKey decodes a hex-encoded compressed secp256k1 public key. An
// identity that does not parse is a params mismatch, not a transient
// condition, so the error is terminal.
func parsePubKey(hexKey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: identity %q is not hex", connectors.ErrValidationMismatch, hexKey)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: identity %q is not a secp256k1 public key", connectors.ErrValidationMismatch, hexKey)
	}
	return key, nil
}

// parseAmount converts a swap leg's decimal quantity string into satoshis.
func parseAmount(quantity string) (dcrutil.Amount, error) {
	sats, err := strconv.ParseInt(quantity, 10, 64)
	if err != nil || sats <= 0 {
		return 0, fmt.Errorf("%w: quantity %q is not a positive satoshi amount", connectors.ErrValidationMismatch, quantity)
	}
	return dcrutil.Amount(sats), nil
}

// redeemShaped reports whether a spend's pushed-data stack has the
// claim-path layout: the second-from-last element is a 32-byte preimage
// candidate. Refund-path spends carry no such element.
func redeemShaped(stack [][]byte) bool {
	return len(stack) >= 3 && len(stack[len(stack)-2]) == swap.SecretSize
}

// extractPreimage pulls the preimage out of a claim-path spend stack and
// verifies it against both the expected secret hash and, when given, the
// expected redeem script carried as the stack's final element. A
// redeem-shaped spend that fails either check is a terminal mismatch.
func extractPreimage(stack [][]byte, wantScript []byte, want swap.SecretHash) (swap.Secret, error) {
	if !redeemShaped(stack) {
		return swap.Secret{}, fmt.Errorf("%w: spend stack is not a redeem", connectors.ErrValidationMismatch)
	}
	if wantScript != nil && !bytes.Equal(stack[len(stack)-1], wantScript) {
		return swap.Secret{}, fmt.Errorf("%w: spend does not carry the agreed htlc script", connectors.ErrValidationMismatch)
	}

	var secret swap.Secret
	copy(secret[:], stack[len(stack)-2])
	if !want.Verify(secret) {
		return swap.Secret{}, fmt.Errorf("%w: revealed preimage does not hash to %s", connectors.ErrValidationMismatch, want)
	}
	return secret, nil
}
