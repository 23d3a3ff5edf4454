// Package bitcoin implements the connectors.Connector contract for the
// Bitcoin ledger by polling a block-explorer-style HTTP backend, using the
// dcrd chainhash/wire/txscript stack for transaction, script, and witness
// handling even though the backend here is a REST poller rather than a full
// node RPC client.
package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

func init() {
	_ = connectors.RegisterDriver(&connectors.Driver{
		Kind: swap.LedgerBitcoin,
		New: func(cfg interface{}) (connectors.Connector, error) {
			c, ok := cfg.(Config)
			if !ok {
				return nil, fmt.Errorf("bitcoin: invalid config type %T", cfg)
			}
			return NewConnector(c)
		},
	})
}

// Config configures a Connector against a single Esplora/Electrs-style REST
// endpoint, pointed at an HTTP explorer so cnd does not need to run its own
// wallet or full node.
type Config struct {
	// BaseURL is the explorer's REST root, e.g. "https://blockstream.info/api".
	BaseURL string

	// PollInterval is how often WaitFor* methods re-check pending state.
	PollInterval time.Duration

	// RequiredConfirmations is the depth at which an Opened funding
	// transaction is considered Accepted.
	RequiredConfirmations uint32
}

// FundingOutput identifies the transaction output paying the HTLC script.
type FundingOutput struct {
	TxID  chainhash.Hash
	Vout  uint32
	Value int64 // satoshis
}

// Explorer is the subset of an HTTP block explorer client a Connector needs;
// extracted as an interface so tests can substitute an in-memory fake rather
// than hitting the network, the same separation the teacher draws between
// WalletController and BlockChainIO.
type Explorer interface {
	// FindFundingOutput looks for a confirmed-or-mempool transaction output
	// carrying exactly scriptPubKey. It returns an error wrapping
	// connectors.ErrNotYetObserved if none exists yet.
	FindFundingOutput(ctx context.Context, scriptPubKey []byte) (FundingOutput, error)

	// Confirmations returns the current confirmation depth of a transaction.
	Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)

	// FindSpendingTx looks for the transaction that spends the given
	// outpoint, returning its parsed wire.MsgTx so the witness stack can be
	// inspected for the redeem preimage.
	FindSpendingTx(ctx context.Context, txid chainhash.Hash, vout uint32) (*wire.MsgTx, error)
}

// Connector implements connectors.Connector for the Bitcoin ledger.
type Connector struct {
	cfg      Config
	explorer Explorer
}

// NewConnector builds a Connector against the configured explorer endpoint.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bitcoin: base URL required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	return &Connector{cfg: cfg, explorer: newHTTPExplorer(cfg.BaseURL)}, nil
}

// NewConnectorWithExplorer builds a Connector against an arbitrary Explorer
// implementation, used by tests to avoid real network calls.
func NewConnectorWithExplorer(cfg Config, explorer Explorer) *Connector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	return &Connector{cfg: cfg, explorer: explorer}
}

// Kind implements connectors.Connector.
func (c *Connector) Kind() swap.LedgerKind { return swap.LedgerBitcoin }

// htlcWatch is everything derived from params the wait methods need: the
// redeem script, the p2sh output script the funding transaction pays, and
// the agreed amount.
type htlcWatch struct {
	redeemScript []byte
	scriptPubKey []byte
	amount       int64
}

func (c *Connector) watch(params swap.Params) (htlcWatch, error) {
	redeemScript, err := htlcScript(params)
	if err != nil {
		return htlcWatch{}, err
	}
	scriptPubKey, err := p2shScript(redeemScript)
	if err != nil {
		return htlcWatch{}, err
	}
	amount, err := parseAmount(params.Quantity)
	if err != nil {
		return htlcWatch{}, err
	}
	return htlcWatch{redeemScript: redeemScript, scriptPubKey: scriptPubKey, amount: int64(amount)}, nil
}

// WaitForOpened implements connectors.Connector by polling the explorer for
// a transaction output paying the HTLC's p2sh script, then checking the
// observed value against the agreed amount. A funded HTLC with the wrong
// value is a terminal mismatch, not an Opened HTLC.
func (c *Connector) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	w, err := c.watch(params)
	if err != nil {
		return "", err
	}

	var out FundingOutput
	err = connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		var err error
		out, err = c.explorer.FindFundingOutput(ctx, w.scriptPubKey)
		if err != nil {
			if !params.Expiry.IsZero() && time.Now().After(params.Expiry) {
				return false, fmt.Errorf("%w: no funding before %s", connectors.ErrExpired, params.Expiry)
			}
			return false, err
		}
		if out.Value != w.amount {
			return false, fmt.Errorf("%w: funding output pays %d sat, agreed amount is %d sat",
				connectors.ErrValidationMismatch, out.Value, w.amount)
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return out.TxID.String(), nil
}

// WaitForAccepted implements connectors.Connector by polling confirmation
// depth on the funding transaction.
func (c *Connector) WaitForAccepted(ctx context.Context, params swap.Params) error {
	w, err := c.watch(params)
	if err != nil {
		return err
	}

	return connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		out, err := c.explorer.FindFundingOutput(ctx, w.scriptPubKey)
		if err != nil {
			return false, err
		}
		confs, err := c.explorer.Confirmations(ctx, out.TxID)
		if err != nil {
			return false, err
		}
		return confs >= c.cfg.RequiredConfirmations, nil
	})
}

// WaitForSettled implements connectors.Connector. It polls for a spend of
// the funding outpoint with a claim-path witness and recovers the preimage
// from it. A refund-path spend never resolves this wait; the driver's
// concurrent WaitForCancelled observes that instead.
func (c *Connector) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	w, err := c.watch(params)
	if err != nil {
		return swap.Secret{}, err
	}

	var secret swap.Secret
	err = connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		spend, err := c.findSpend(ctx, w)
		if err != nil {
			return false, err
		}
		stack := spendStack(spend)
		if !redeemShaped(stack) {
			// Refund path, or an unconfirmed oddity; not ours to resolve.
			return false, nil
		}
		secret, err = extractPreimage(stack, w.redeemScript, params.SecretHash)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	return secret, err
}

// WaitForCancelled implements connectors.Connector by polling for a
// refund-path spend of the funding outpoint.
func (c *Connector) WaitForCancelled(ctx context.Context, params swap.Params) error {
	w, err := c.watch(params)
	if err != nil {
		return err
	}

	return connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		spend, err := c.findSpend(ctx, w)
		if err != nil {
			return false, err
		}
		return !redeemShaped(spendStack(spend)), nil
	})
}

func (c *Connector) findSpend(ctx context.Context, w htlcWatch) (*wire.MsgTx, error) {
	out, err := c.explorer.FindFundingOutput(ctx, w.scriptPubKey)
	if err != nil {
		return nil, err
	}
	return c.explorer.FindSpendingTx(ctx, out.TxID, out.Vout)
}

// spendStack decomposes the spending input's signature script into its
// pushed data elements: [sig, pubkey, preimage, script] on the claim path,
// [sig, pubkey, script] on the refund path. Branch selectors (OP_1/OP_0)
// are small-int opcodes rather than data pushes, so they never appear in
// the extracted stack.
func spendStack(spendTx *wire.MsgTx) [][]byte {
	if spendTx == nil || len(spendTx.TxIn) == 0 {
		return nil
	}
	const scriptVersion = 0
	var stack [][]byte
	tokenizer := txscript.MakeScriptTokenizer(scriptVersion, spendTx.TxIn[0].SignatureScript)
	for tokenizer.Next() {
		if data := tokenizer.Data(); data != nil {
			stack = append(stack, data)
		}
	}
	if tokenizer.Err() != nil {
		return nil
	}
	return stack
}
