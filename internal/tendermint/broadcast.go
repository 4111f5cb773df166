// Package tendermint - Transaction broadcasting via Tendermint RPC
//
// This file provides a JSON-RPC client for submitting signed ledger
// transactions to a shard's Tendermint node and for running ABCI queries
// against it.
package tendermint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shareledger.dev/ysl/internal/types"
)

// BroadcastClient wraps a Tendermint RPC endpoint.
type BroadcastClient struct {
	rpcAddr string
	client  *http.Client
}

// NewBroadcastClient creates a client for the RPC address (e.g.
// "http://localhost:26657").
func NewBroadcastClient(rpcAddr string) *BroadcastClient {
	if rpcAddr == "" {
		rpcAddr = "http://localhost:26657"
	}

	return &BroadcastClient{
		rpcAddr: rpcAddr,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// TxResult is the outcome of a broadcast.
type TxResult struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height,omitempty"`
	// Data is the DeliverTx result, only set by commit broadcasts.
	Data []byte `json:"data,omitempty"`
}

// TxError is a transaction rejected by CheckTx or DeliverTx.
type TxError struct {
	Stage     string
	Code      uint32
	Codespace string
	Log       string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s failed with code %s/%d: %s", e.Stage, e.Codespace, e.Code, e.Log)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type txResponse struct {
	Code      uint32 `json:"code"`
	Codespace string `json:"codespace"`
	Data      []byte `json:"data"`
	Log       string `json:"log"`
}

// BroadcastTxSync returns once CheckTx has accepted the transaction.
func (bc *BroadcastClient) BroadcastTxSync(ctx context.Context, tx []byte) (TxResult, error) {
	var res struct {
		txResponse
		Hash string `json:"hash"`
	}
	if err := bc.call(ctx, "broadcast_tx_sync", map[string]interface{}{"tx": tx}, &res); err != nil {
		return TxResult{}, err
	}
	if res.Code != 0 {
		return TxResult{}, &TxError{Stage: "check_tx", Code: res.Code, Codespace: res.Codespace, Log: res.Log}
	}
	return TxResult{Hash: res.Hash}, nil
}

// BroadcastTxCommit waits until the transaction is included in a block and
// reports the DeliverTx outcome.
func (bc *BroadcastClient) BroadcastTxCommit(ctx context.Context, tx []byte) (TxResult, error) {
	var res struct {
		CheckTx   txResponse `json:"check_tx"`
		DeliverTx txResponse `json:"deliver_tx"`
		Hash      string     `json:"hash"`
		Height    int64      `json:"height,string"`
	}
	if err := bc.call(ctx, "broadcast_tx_commit", map[string]interface{}{"tx": tx}, &res); err != nil {
		return TxResult{}, err
	}
	if res.CheckTx.Code != 0 {
		return TxResult{}, &TxError{Stage: "check_tx", Code: res.CheckTx.Code, Codespace: res.CheckTx.Codespace, Log: res.CheckTx.Log}
	}
	if res.DeliverTx.Code != 0 {
		return TxResult{}, &TxError{Stage: "deliver_tx", Code: res.DeliverTx.Code, Codespace: res.DeliverTx.Codespace, Log: res.DeliverTx.Log}
	}
	return TxResult{Hash: res.Hash, Height: res.Height, Data: res.DeliverTx.Data}, nil
}

// BroadcastSignedTransaction marshals signedTx and broadcasts it. commit
// selects broadcast_tx_commit over broadcast_tx_sync.
func (bc *BroadcastClient) BroadcastSignedTransaction(ctx context.Context, signedTx *types.SignedTransaction, commit bool) (TxResult, error) {
	txBytes, err := json.Marshal(signedTx)
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if commit {
		return bc.BroadcastTxCommit(ctx, txBytes)
	}
	return bc.BroadcastTxSync(ctx, txBytes)
}

// ABCIQuery runs an application query and returns the response value.
func (bc *BroadcastClient) ABCIQuery(ctx context.Context, path string) ([]byte, error) {
	var res struct {
		Response struct {
			Code      uint32 `json:"code"`
			Codespace string `json:"codespace"`
			Log       string `json:"log"`
			Value     []byte `json:"value"`
		} `json:"response"`
	}
	if err := bc.call(ctx, "abci_query", map[string]interface{}{"path": path}, &res); err != nil {
		return nil, err
	}
	if res.Response.Code != 0 {
		return nil, &TxError{Stage: "query", Code: res.Response.Code, Codespace: res.Response.Codespace, Log: res.Response.Log}
	}
	return res.Response.Value, nil
}

// QueryTx looks up a committed transaction by its hex hash, as printed
// by a broadcast.
func (bc *BroadcastClient) QueryTx(ctx context.Context, txHash string) (map[string]interface{}, error) {
	hash, err := hex.DecodeString(txHash)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hash %q: %w", txHash, err)
	}
	var result map[string]interface{}
	if err := bc.call(ctx, "tx", map[string]interface{}{"hash": hash}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// call performs one JSON-RPC request and decodes its result into out.
// []byte params and results travel base64-encoded, as Tendermint expects.
func (bc *BroadcastClient) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	for k, v := range params {
		if b, ok := v.([]byte); ok {
			params[k] = base64.StdEncoding.EncodeToString(b)
		}
	}
	reqBytes, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.rpcAddr, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s (%s)", rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.Data)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
