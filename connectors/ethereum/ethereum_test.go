package ethereum

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

type fakeClient struct {
	mu       sync.Mutex
	logs     map[string][]types.Log
	blockNum uint64
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[eventNameFromTopic(q.Topics[0][0])], nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNum, nil
}

func (f *fakeClient) addLog(name string, log types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == nil {
		f.logs = make(map[string][]types.Log)
	}
	f.logs[name] = append(f.logs[name], log)
}

func eventNameFromTopic(topic common.Hash) string {
	parsed, _ := abi.JSON(strings.NewReader(htlcABI))
	for name, event := range parsed.Events {
		if event.ID == topic {
			return name
		}
	}
	return ""
}

func packEventData(t *testing.T, event string, args ...interface{}) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(htlcABI))
	require.NoError(t, err)
	data, err := parsed.Events[event].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return data
}

func testParams(hash swap.SecretHash) swap.Params {
	return swap.Params{
		Ledger:     swap.LedgerEthereum,
		Asset:      swap.AssetEtherQuantity,
		Quantity:   "1000000000000000000",
		RedeemId:   "0x0000000000000000000000000000000000000001",
		RefundId:   "0x0000000000000000000000000000000000000002",
		SecretHash: hash,
		Expiry:     time.Now().Add(24 * time.Hour),
	}
}

func testConnector(t *testing.T, fake *fakeClient, confirmations uint64) *Connector {
	t.Helper()
	c, err := NewConnectorWithClient(Config{
		PollInterval:          5 * time.Millisecond,
		RequiredConfirmations: confirmations,
	}, fake)
	require.NoError(t, err)
	return c
}

func TestWaitForOpenedFindsFundedEvent(t *testing.T) {
	wantAmount, _ := new(big.Int).SetString("1000000000000000000", 10)
	fake := &fakeClient{}
	fake.addLog("Funded", types.Log{
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: 10,
		Data:        packEventData(t, "Funded", wantAmount),
	})
	c := testConnector(t, fake, 1)

	txid, err := c.WaitForOpened(context.Background(), testParams(swap.SecretHash{}))
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc").Hex(), txid)
}

func TestWaitForOpenedRejectsWrongAmount(t *testing.T) {
	fake := &fakeClient{}
	fake.addLog("Funded", types.Log{
		Data: packEventData(t, "Funded", big.NewInt(1)),
	})
	c := testConnector(t, fake, 1)

	_, err := c.WaitForOpened(context.Background(), testParams(swap.SecretHash{}))
	require.ErrorIs(t, err, connectors.ErrValidationMismatch)
}

func TestWaitForOpenedAbortsOnceExpiryPassesUnfunded(t *testing.T) {
	c := testConnector(t, &fakeClient{}, 1)
	params := testParams(swap.SecretHash{})
	params.Expiry = time.Now().Add(-time.Minute)

	_, err := c.WaitForOpened(context.Background(), params)
	require.ErrorIs(t, err, connectors.ErrExpired)
}

func TestWaitForAcceptedWaitsForConfirmationDepth(t *testing.T) {
	fake := &fakeClient{blockNum: 100}
	fake.addLog("Funded", types.Log{
		BlockNumber: 100,
		Data:        packEventData(t, "Funded", big.NewInt(1)),
	})
	c := testConnector(t, fake, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.WaitForAccepted(ctx, testParams(swap.SecretHash{}))
	}()

	time.Sleep(20 * time.Millisecond)
	fake.mu.Lock()
	fake.blockNum = 103
	fake.mu.Unlock()

	require.NoError(t, <-resultCh)
}

func TestWaitForSettledDecodesRevealedSecret(t *testing.T) {
	var secret swap.Secret
	copy(secret[:], []byte("a-consistent-32-byte-secret-val!"))

	fake := &fakeClient{}
	fake.addLog("Redeemed", types.Log{
		Data: packEventData(t, "Redeemed", [32]byte(secret)),
	})
	c := testConnector(t, fake, 1)

	got, err := c.WaitForSettled(context.Background(), testParams(secret.Hash()))
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

func TestWaitForSettledRejectsWrongSecret(t *testing.T) {
	var secret, wrong swap.Secret
	copy(secret[:], []byte("the-real-32-byte-secret-value--!"))
	copy(wrong[:], []byte("an-impostor-32-byte-preimage---!"))

	fake := &fakeClient{}
	fake.addLog("Redeemed", types.Log{
		Data: packEventData(t, "Redeemed", [32]byte(wrong)),
	})
	c := testConnector(t, fake, 1)

	_, err := c.WaitForSettled(context.Background(), testParams(secret.Hash()))
	require.ErrorIs(t, err, connectors.ErrValidationMismatch)
}

func TestRefundedEventResolvesCancelledNotSettled(t *testing.T) {
	fake := &fakeClient{}
	fake.addLog("Refunded", types.Log{})
	c := testConnector(t, fake, 1)
	params := testParams(swap.SecretHash{})

	require.NoError(t, c.WaitForCancelled(context.Background(), params))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForSettled(ctx, params)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
