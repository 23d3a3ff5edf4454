package bitcoin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"

	"github.com/comit-network/cnd/connectors"
)

// httpExplorer implements Explorer against an Esplora-compatible REST API
// (the same API shape blockstream.info and mempool.space expose), using
// plain net/http rather than a generated client since the surface needed
// here is four read-only endpoints.
type httpExplorer struct {
	baseURL string
	client  *http.Client
}

func newHTTPExplorer(baseURL string) *httpExplorer {
	return &httpExplorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type esploraTx struct {
	TxID string `json:"txid"`
	Vout []struct {
		ScriptPubKey string `json:"scriptpubkey"`
		Value        int64  `json:"value"`
	} `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// FindFundingOutput queries the explorer's scripthash index (keyed by the
// SHA-256 of the output script) and scans the returned transactions for an
// output paying exactly scriptPubKey.
func (e *httpExplorer) FindFundingOutput(ctx context.Context, scriptPubKey []byte) (FundingOutput, error) {
	scriptHash := sha256.Sum256(scriptPubKey)
	wantSpk := hex.EncodeToString(scriptPubKey)

	var txs []esploraTx
	if err := e.getJSON(ctx, fmt.Sprintf("/scripthash/%x/txs", scriptHash), &txs); err != nil {
		return FundingOutput{}, err
	}
	for _, tx := range txs {
		for i, out := range tx.Vout {
			if out.ScriptPubKey == wantSpk {
				h, err := chainhash.NewHashFromStr(tx.TxID)
				if err != nil {
					return FundingOutput{}, fmt.Errorf("bitcoin: parsing txid %q: %w", tx.TxID, err)
				}
				return FundingOutput{TxID: *h, Vout: uint32(i), Value: out.Value}, nil
			}
		}
	}
	return FundingOutput{}, fmt.Errorf("%w: no output paying script %s", connectors.ErrNotYetObserved, wantSpk)
}

func (e *httpExplorer) Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	var tx esploraTx
	if err := e.getJSON(ctx, fmt.Sprintf("/tx/%s", txid.String()), &tx); err != nil {
		return 0, err
	}
	if !tx.Status.Confirmed {
		return 0, nil
	}

	var tip int64
	if err := e.getJSON(ctx, "/blocks/tip/height", &tip); err != nil {
		return 0, err
	}
	return uint32(tip - tx.Status.BlockHeight + 1), nil
}

func (e *httpExplorer) FindSpendingTx(ctx context.Context, txid chainhash.Hash, vout uint32) (*wire.MsgTx, error) {
	var spend struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := e.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid.String(), vout), &spend); err != nil {
		return nil, err
	}
	if !spend.Spent {
		return nil, fmt.Errorf("%w: outpoint %s:%d not yet spent", connectors.ErrNotYetObserved, txid, vout)
	}

	// The /hex endpoint returns the raw transaction as plain text, not JSON.
	hexTx, err := e.getText(ctx, fmt.Sprintf("/tx/%s/hex", spend.TxID))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexTx)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: decoding spend tx hex: %w", err)
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("bitcoin: deserializing spend tx: %w", err)
	}
	return &msgTx, nil
}

func (e *httpExplorer) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := e.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bitcoin: decoding %s response: %w", path, err)
	}
	return nil
}

func (e *httpExplorer) getText(ctx context.Context, path string) (string, error) {
	body, err := e.get(ctx, path)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(body)), nil
}

// get performs one explorer request. 404 maps to ErrNotYetObserved; any
// other non-2xx status or transport failure is reported as a plain error,
// which connectors.Poll treats as transient and retries at the poll
// interval without advancing state.
func (e *httpExplorer) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", connectors.ErrNotYetObserved, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bitcoin: %s returned status %d", path, resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}
