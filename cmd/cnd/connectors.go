package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/comit-network/cnd/config"
	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/connectors/bitcoin"
	"github.com/comit-network/cnd/connectors/ethereum"
	"github.com/comit-network/cnd/connectors/lightning"
	"github.com/comit-network/cnd/swap"
)

// buildConnector constructs the connectors.Connector for one leg of a swap,
// dispatching on the leg's LedgerKind and pulling backend connection details
// from the daemon's static configuration. Every swap on the same ledger
// shares one set of backend credentials; only the per-swap Params differ,
// and those are supplied later by protocol.NewDriver.
func buildConnector(cfg *config.Config, ledger swap.LedgerKind) (connectors.Connector, error) {
	switch ledger {
	case swap.LedgerBitcoin:
		return connectors.New(ledger, bitcoin.Config{
			BaseURL: cfg.Bitcoin.ExplorerURL,
		})
	case swap.LedgerEthereum:
		return connectors.New(ledger, ethereum.Config{
			RPCURL:          cfg.Ethereum.NodeURL,
			ContractAddress: common.HexToAddress(cfg.Ethereum.ContractAddress),
		})
	case swap.LedgerLightningBitcoin:
		perspective := lightning.PerspectiveSender
		if cfg.Lightning.Perspective == "receiver" {
			perspective = lightning.PerspectiveReceiver
		}
		return connectors.New(ledger, lightning.Config{
			LndURL:             "https://" + cfg.Lightning.RESTHost,
			Perspective:        perspective,
			CertPath:           cfg.Lightning.TLSCertPath,
			MacaroonPath:       cfg.Lightning.MacaroonPath,
			InsecureSkipVerify: cfg.Lightning.AllowBadCerts,
		})
	default:
		return nil, fmt.Errorf("cnd: no connector available for ledger %s", ledger)
	}
}
