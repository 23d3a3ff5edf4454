package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

// fakeExplorer is an in-memory stand-in for the HTTP explorer, following the
// mock-notifier pattern used elsewhere in the corpus: tests drive state by
// mutating the fake directly instead of waiting on real network calls.
type fakeExplorer struct {
	mu sync.Mutex

	funding    FundingOutput
	hasFunding bool

	confs uint32

	spendTx *wire.MsgTx
}

func (f *fakeExplorer) fund(out FundingOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding = out
	f.hasFunding = true
}

func (f *fakeExplorer) FindFundingOutput(ctx context.Context, scriptPubKey []byte) (FundingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasFunding {
		return FundingOutput{}, connectors.ErrNotYetObserved
	}
	return f.funding, nil
}

func (f *fakeExplorer) Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs, nil
}

func (f *fakeExplorer) FindSpendingTx(ctx context.Context, txid chainhash.Hash, vout uint32) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spendTx == nil {
		return nil, connectors.ErrNotYetObserved
	}
	return f.spendTx, nil
}

func testKeyPair(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func testParams(t *testing.T, hash swap.SecretHash) swap.Params {
	t.Helper()
	return swap.Params{
		Ledger:     swap.LedgerBitcoin,
		Asset:      swap.AssetBitcoinQuantity,
		Quantity:   "100000",
		RedeemId:   testKeyPair(t),
		RefundId:   testKeyPair(t),
		SecretHash: hash,
		Expiry:     time.Now().Add(24 * time.Hour),
	}
}

// claimSpend builds a transaction spending the HTLC output through the
// claim path: [sig, pubkey, preimage, selector, script].
func claimSpend(t *testing.T, params swap.Params, preimage []byte) *wire.MsgTx {
	t.Helper()
	script, err := htlcScript(params)
	require.NoError(t, err)

	builder := txscript.NewScriptBuilder()
	builder.AddData(make([]byte, 71)) // placeholder signature
	builder.AddData(make([]byte, 33)) // placeholder pubkey
	builder.AddData(preimage)
	builder.AddOp(txscript.OP_1)
	builder.AddData(script)
	sigScript, err := builder.Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{SignatureScript: sigScript})
	return tx
}

// refundSpend builds a transaction spending the HTLC output through the
// timeout path: [sig, pubkey, selector, script], no preimage.
func refundSpend(t *testing.T, params swap.Params) *wire.MsgTx {
	t.Helper()
	script, err := htlcScript(params)
	require.NoError(t, err)

	builder := txscript.NewScriptBuilder()
	builder.AddData(make([]byte, 71))
	builder.AddData(make([]byte, 33))
	builder.AddOp(txscript.OP_0)
	builder.AddData(script)
	sigScript, err := builder.Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{SignatureScript: sigScript})
	return tx
}

func testConnector(fake *fakeExplorer) *Connector {
	return NewConnectorWithExplorer(Config{PollInterval: 5 * time.Millisecond}, fake)
}

func TestWaitForOpenedResolvesOnceFundingSeen(t *testing.T) {
	fake := &fakeExplorer{}
	c := testConnector(fake)
	params := testParams(t, swap.SecretHash{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.WaitForOpened(ctx, params)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	fake.fund(FundingOutput{TxID: chainhash.Hash{1, 2, 3}, Value: 100000})

	require.NoError(t, <-resultCh)
}

func TestWaitForOpenedRejectsWrongAmount(t *testing.T) {
	fake := &fakeExplorer{}
	fake.fund(FundingOutput{TxID: chainhash.Hash{1}, Value: 50000})
	c := testConnector(fake)

	_, err := c.WaitForOpened(context.Background(), testParams(t, swap.SecretHash{}))
	require.ErrorIs(t, err, connectors.ErrValidationMismatch)
}

func TestWaitForOpenedRejectsNonPubkeyIdentity(t *testing.T) {
	c := testConnector(&fakeExplorer{})
	params := testParams(t, swap.SecretHash{})
	params.RedeemId = "not-a-pubkey"

	_, err := c.WaitForOpened(context.Background(), params)
	require.ErrorIs(t, err, connectors.ErrValidationMismatch)
}

func TestWaitForSettledExtractsPreimage(t *testing.T) {
	var secret swap.Secret
	for i := range secret {
		secret[i] = byte(i)
	}
	params := testParams(t, secret.Hash())

	fake := &fakeExplorer{}
	fake.fund(FundingOutput{TxID: chainhash.Hash{9}, Value: 100000})
	fake.spendTx = claimSpend(t, params, secret[:])

	got, err := testConnector(fake).WaitForSettled(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

func TestWaitForSettledRejectsWrongPreimage(t *testing.T) {
	var secret, wrong swap.Secret
	copy(secret[:], []byte("the-real-32-byte-secret-value--!"))
	copy(wrong[:], []byte("an-impostor-32-byte-preimage---!"))
	params := testParams(t, secret.Hash())

	fake := &fakeExplorer{}
	fake.fund(FundingOutput{TxID: chainhash.Hash{9}, Value: 100000})
	fake.spendTx = claimSpend(t, params, wrong[:])

	_, err := testConnector(fake).WaitForSettled(context.Background(), params)
	require.ErrorIs(t, err, connectors.ErrValidationMismatch)
}

func TestRefundSpendResolvesCancelledNotSettled(t *testing.T) {
	var secret swap.Secret
	params := testParams(t, secret.Hash())

	fake := &fakeExplorer{}
	fake.fund(FundingOutput{TxID: chainhash.Hash{9}, Value: 100000})
	fake.spendTx = refundSpend(t, params)
	c := testConnector(fake)

	// The refund spend resolves WaitForCancelled...
	require.NoError(t, c.WaitForCancelled(context.Background(), params))

	// ...while WaitForSettled keeps waiting until its context ends, with no
	// terminal result: the refund is not its outcome to report.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForSettled(ctx, params)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForOpenedAbortsOnceExpiryPassesUnfunded(t *testing.T) {
	c := testConnector(&fakeExplorer{})
	params := testParams(t, swap.SecretHash{})
	params.Expiry = time.Now().Add(-time.Minute)

	_, err := c.WaitForOpened(context.Background(), params)
	require.ErrorIs(t, err, connectors.ErrExpired)
}

func TestWaitForAcceptedRequiresConfirmations(t *testing.T) {
	fake := &fakeExplorer{}
	fake.fund(FundingOutput{TxID: chainhash.Hash{9}, Value: 100000})
	c := NewConnectorWithExplorer(Config{PollInterval: 5 * time.Millisecond, RequiredConfirmations: 3}, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.WaitForAccepted(ctx, testParams(t, swap.SecretHash{}))
	}()

	time.Sleep(20 * time.Millisecond)
	fake.mu.Lock()
	fake.confs = 3
	fake.mu.Unlock()

	require.NoError(t, <-resultCh)
}

func TestPollRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := connectors.Poll(context.Background(), time.Millisecond, func() (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("backend down")
		}
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
