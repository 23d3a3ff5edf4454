package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/statestore"
	"github.com/comit-network/cnd/swap"
)

// scriptedConnector resolves every wait immediately except the terminal
// race: exactly one of settle/refund is scripted per connector, and the
// other blocks until the driver cancels it.
type scriptedConnector struct {
	kind swap.LedgerKind

	openDelay time.Duration
	settle    *swap.Secret // nil means this leg refunds instead
}

func (c *scriptedConnector) Kind() swap.LedgerKind { return c.kind }

func (c *scriptedConnector) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	if c.openDelay > 0 {
		select {
		case <-time.After(c.openDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "tx", nil
}

func (c *scriptedConnector) WaitForAccepted(ctx context.Context, params swap.Params) error {
	return nil
}

func (c *scriptedConnector) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	if c.settle != nil {
		return *c.settle, nil
	}
	<-ctx.Done()
	return swap.Secret{}, ctx.Err()
}

func (c *scriptedConnector) WaitForCancelled(ctx context.Context, params swap.Params) error {
	if c.settle == nil {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func testSwap(secretHash swap.SecretHash) (swap.Params, swap.Params) {
	now := time.Now()
	alpha := swap.Params{
		Ledger: swap.LedgerBitcoin, Asset: swap.AssetBitcoinQuantity,
		Quantity: "1", RedeemId: "r", RefundId: "f",
		SecretHash: secretHash, Expiry: now.Add(48 * time.Hour),
	}
	beta := swap.Params{
		Ledger: swap.LedgerEthereum, Asset: swap.AssetEtherQuantity,
		Quantity: "1", RedeemId: "r", RefundId: "f",
		SecretHash: secretHash, Expiry: now.Add(24 * time.Hour),
	}
	return alpha, beta
}

func TestCoordinator_HappyPathReachesFinished(t *testing.T) {
	var secret swap.Secret
	copy(secret[:], []byte("a-consistent-32-byte-secret-val!"))
	hash := secret.Hash()
	alpha, beta := testSwap(hash)

	store := statestore.New()
	c := New(store)

	accepted := swap.AcceptedSwap{
		SwapId: swap.NewSwapId(), Role: swap.RoleAlice,
		Alpha: alpha, Beta: beta, SecretHash: hash,
	}

	connA := &scriptedConnector{kind: swap.LedgerBitcoin, settle: &secret}
	connB := &scriptedConnector{kind: swap.LedgerEthereum, settle: &secret}

	s, err := c.Start(context.Background(), accepted, connA, connB)
	require.NoError(t, err)

	waitFor(t, s)

	final, ok := store.Get(accepted.SwapId)
	require.True(t, ok)
	require.Equal(t, swap.PhaseFinished, final.Phase)
	require.Equal(t, swap.LedgerSettled, final.Alpha.Kind)
	require.Equal(t, swap.LedgerSettled, final.Beta.Kind)
	require.NotNil(t, final.Secret)
	require.Equal(t, secret, *final.Secret)
}

func TestCoordinator_RefundedPath(t *testing.T) {
	var secret swap.Secret
	copy(secret[:], []byte("a-consistent-32-byte-secret-val!"))
	alpha, beta := testSwap(secret.Hash())

	store := statestore.New()
	c := New(store)

	accepted := swap.AcceptedSwap{
		SwapId: swap.NewSwapId(), Role: swap.RoleAlice,
		Alpha: alpha, Beta: beta, SecretHash: secret.Hash(),
	}

	// Neither side ever reveals the secret; both refund.
	connA := &scriptedConnector{kind: swap.LedgerBitcoin}
	connB := &scriptedConnector{kind: swap.LedgerEthereum}

	s, err := c.Start(context.Background(), accepted, connA, connB)
	require.NoError(t, err)

	waitFor(t, s)

	final, ok := store.Get(accepted.SwapId)
	require.True(t, ok)
	require.Equal(t, swap.PhaseRefunded, final.Phase)
	require.Equal(t, swap.LedgerCancelled, final.Alpha.Kind)
	require.Equal(t, swap.LedgerCancelled, final.Beta.Kind)
	require.Nil(t, final.Secret)
}

func TestCoordinator_SecretMismatchFailsSwap(t *testing.T) {
	var secretA, secretB swap.Secret
	copy(secretA[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	copy(secretB[:], []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	alpha, beta := testSwap(secretA.Hash())

	store := statestore.New()
	c := New(store)

	accepted := swap.AcceptedSwap{
		SwapId: swap.NewSwapId(), Role: swap.RoleAlice,
		Alpha: alpha, Beta: beta, SecretHash: secretA.Hash(),
	}

	connA := &scriptedConnector{kind: swap.LedgerBitcoin, settle: &secretA}
	connB := &scriptedConnector{kind: swap.LedgerEthereum, settle: &secretB}

	s, err := c.Start(context.Background(), accepted, connA, connB)
	require.NoError(t, err)

	waitFor(t, s)

	final, ok := store.Get(accepted.SwapId)
	require.True(t, ok)
	require.Equal(t, swap.PhaseFailed, final.Phase)
	require.NotEmpty(t, final.Error)
}

func TestCoordinator_RejectsTimeoutOrderingViolation(t *testing.T) {
	var secret swap.Secret
	alpha, beta := testSwap(secret.Hash())
	alpha.Expiry = beta.Expiry // violates I2

	c := New(statestore.New())
	accepted := swap.AcceptedSwap{
		SwapId: swap.NewSwapId(), Role: swap.RoleAlice,
		Alpha: alpha, Beta: beta, SecretHash: secret.Hash(),
	}

	_, err := c.Start(context.Background(), accepted, &scriptedConnector{}, &scriptedConnector{})
	require.Error(t, err)
}

func waitFor(t *testing.T, s *Swap) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for swap to finish")
	}
}
