// Package ethereum implements the connectors.Connector contract for the
// Ethereum ledger on top of go-ethereum's ethclient, filtering HTLC contract
// events rather than polling a block explorer the way connectors/bitcoin
// does, since go-ethereum exposes log filtering directly.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

func init() {
	_ = connectors.RegisterDriver(&connectors.Driver{
		Kind: swap.LedgerEthereum,
		New: func(cfg interface{}) (connectors.Connector, error) {
			c, ok := cfg.(Config)
			if !ok {
				return nil, fmt.Errorf("ethereum: invalid config type %T", cfg)
			}
			return NewConnector(c)
		},
	})
}

// Config configures a Connector against a single JSON-RPC endpoint and HTLC
// contract address.
type Config struct {
	// RPCURL is the JSON-RPC/websocket endpoint of an Ethereum node.
	RPCURL string

	// ContractAddress is the deployed HTLC contract's address, expected to
	// emit Funded(bytes32 id, uint256 amount), Redeemed(bytes32 id, bytes32
	// secret), and Refunded(bytes32 id) events.
	ContractAddress common.Address

	// RequiredConfirmations is the block depth at which a Funded event is
	// considered Accepted.
	RequiredConfirmations uint64

	// PollInterval is how often pending waits re-check chain head and logs.
	PollInterval time.Duration
}

// htlcABI declares only the three events the connector reads; cnd never
// submits transactions to the contract itself (deploy/fund/redeem/refund
// transaction construction is explicitly out of scope, per the HTTP API's
// Siren actions describing parameters rather than raw transactions).
const htlcABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Funded","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":false,"name":"secret","type":"bytes32"}],"name":"Redeemed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"Refunded","type":"event"}
]`

// ChainClient is the subset of ethclient.Client a Connector needs, extracted
// so tests can substitute a fake rather than dialing a real node.
type ChainClient interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Connector implements connectors.Connector for the Ethereum ledger.
type Connector struct {
	cfg    Config
	client ChainClient
	abi    abi.ABI
}

// NewConnector dials the configured JSON-RPC endpoint and builds a Connector.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ethereum: RPC URL required")
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dialing %s: %w", cfg.RPCURL, err)
	}
	return NewConnectorWithClient(cfg, client)
}

// NewConnectorWithClient builds a Connector against an arbitrary ChainClient,
// used by tests to avoid dialing a real node.
func NewConnectorWithClient(cfg Config, client ChainClient) (*Connector, error) {
	parsed, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parsing HTLC ABI: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 12
	}
	return &Connector{cfg: cfg, client: client, abi: parsed}, nil
}

// Kind implements connectors.Connector.
func (c *Connector) Kind() swap.LedgerKind { return swap.LedgerEthereum }

// htlcID derives the contract-internal swap identifier from the secret
// hash: the HTLC contract indexes all three events by this value.
func htlcID(params swap.Params) common.Hash {
	return common.BytesToHash(params.SecretHash[:])
}

// WaitForOpened implements connectors.Connector by filtering for the Funded
// event indexed by the swap's secret hash and checking the funded amount
// against the agreed quantity. A Funded event with the wrong amount is a
// terminal mismatch.
func (c *Connector) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	wantAmount, ok := new(big.Int).SetString(params.Quantity, 10)
	if !ok {
		return "", fmt.Errorf("%w: quantity %q is not a decimal amount", connectors.ErrValidationMismatch, params.Quantity)
	}

	var log types.Log
	err := connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		ev, err := c.findEvent(ctx, "Funded", params)
		if err != nil {
			return false, err
		}
		if ev == nil {
			if !params.Expiry.IsZero() && time.Now().After(params.Expiry) {
				return false, fmt.Errorf("%w: no Funded event before %s", connectors.ErrExpired, params.Expiry)
			}
			return false, nil
		}
		log = *ev
		return true, nil
	})
	if err != nil {
		return "", err
	}

	amount, err := c.decodeFundedAmount(log)
	if err != nil {
		return "", err
	}
	if amount.Cmp(wantAmount) != 0 {
		return "", fmt.Errorf("%w: contract funded with %s wei, agreed amount is %s",
			connectors.ErrValidationMismatch, amount, wantAmount)
	}
	return log.TxHash.Hex(), nil
}

// WaitForAccepted implements connectors.Connector by waiting until the block
// the Funded event landed in is buried at least RequiredConfirmations deep.
func (c *Connector) WaitForAccepted(ctx context.Context, params swap.Params) error {
	log, err := c.waitForEvent(ctx, "Funded", params)
	if err != nil {
		return err
	}

	return connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		return head >= log.BlockNumber+c.cfg.RequiredConfirmations, nil
	})
}

// WaitForSettled implements connectors.Connector by filtering for the
// Redeemed event and recovering the revealed secret from its data. An
// observed Refunded event never resolves this wait; the driver's concurrent
// WaitForCancelled observes that instead.
func (c *Connector) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	var secret swap.Secret
	err := connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		redeemed, err := c.findEvent(ctx, "Redeemed", params)
		if err != nil {
			return false, err
		}
		if redeemed == nil {
			return false, nil
		}
		secret, err = c.decodeRedeemSecret(*redeemed, params.SecretHash)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	return secret, err
}

// WaitForCancelled implements connectors.Connector by filtering for the
// Refunded event for the swap's id.
func (c *Connector) WaitForCancelled(ctx context.Context, params swap.Params) error {
	return connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		refunded, err := c.findEvent(ctx, "Refunded", params)
		if err != nil {
			return false, err
		}
		return refunded != nil, nil
	})
}

func (c *Connector) waitForEvent(ctx context.Context, name string, params swap.Params) (types.Log, error) {
	var found types.Log
	err := connectors.Poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		log, err := c.findEvent(ctx, name, params)
		if err != nil {
			return false, err
		}
		if log != nil {
			found = *log
			return true, nil
		}
		return false, nil
	})
	return found, err
}

func (c *Connector) findEvent(ctx context.Context, name string, params swap.Params) (*types.Log, error) {
	event, ok := c.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("ethereum: unknown event %q", name)
	}

	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.ContractAddress},
		Topics:    [][]common.Hash{{event.ID}, {htlcID(params)}},
	})
	if err != nil {
		return nil, fmt.Errorf("ethereum: filtering %s logs: %w", name, err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

func (c *Connector) decodeFundedAmount(log types.Log) (*big.Int, error) {
	unpacked, err := c.abi.Unpack("Funded", log.Data)
	if err != nil || len(unpacked) == 0 {
		return nil, fmt.Errorf("%w: Funded event data does not decode", connectors.ErrValidationMismatch)
	}
	amount, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: Funded event amount has unexpected type", connectors.ErrValidationMismatch)
	}
	return amount, nil
}

func (c *Connector) decodeRedeemSecret(log types.Log, want swap.SecretHash) (swap.Secret, error) {
	unpacked, err := c.abi.Unpack("Redeemed", log.Data)
	if err != nil || len(unpacked) == 0 {
		return swap.Secret{}, fmt.Errorf("%w: Redeemed event data does not decode", connectors.ErrValidationMismatch)
	}
	raw, ok := unpacked[0].([32]byte)
	if !ok {
		return swap.Secret{}, fmt.Errorf("%w: Redeemed event secret has unexpected type", connectors.ErrValidationMismatch)
	}
	var secret swap.Secret
	copy(secret[:], raw[:])
	if !want.Verify(secret) {
		return swap.Secret{}, fmt.Errorf("%w: revealed secret does not hash to %s", connectors.ErrValidationMismatch, want)
	}
	return secret, nil
}
