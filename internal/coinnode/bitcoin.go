package coinnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// BitcoinNode is a Bitcoin Core style JSON-RPC client. It works unchanged
// against Litecoin, Dogecoin, and other Core forks that keep the wallet
// RPC surface.
type BitcoinNode struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
}

// NewBitcoinNode creates a client for a Core-style node.
func NewBitcoinNode(host string, port int, user, pass string, timeout time.Duration) *BitcoinNode {
	return &BitcoinNode{
		url:  fmt.Sprintf("http://%s:%d/", host, port),
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type btcRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type btcRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *btcRPCError    `json:"error"`
}

type btcRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *btcRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request and unmarshals the result into out.
func (b *BitcoinNode) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(btcRPCRequest{
		JSONRPC: "1.0",
		ID:      "meridiand",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.SetBasicAuth(b.user, b.pass)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNodeUnavailable, err)
	}

	var rpcResp btcRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrNodeUnavailable, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %v", ErrNodeUnavailable, method, rpcResp.Error)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// NewReceiveAddress issues a fresh wallet address via getnewaddress.
func (b *BitcoinNode) NewReceiveAddress(ctx context.Context, label string) (string, *int64, error) {
	var addr string
	if err := b.call(ctx, "getnewaddress", []interface{}{label}, &addr); err != nil {
		return "", nil, err
	}
	return addr, nil, nil
}

// rawAmount marshals a fixed.Amount as an exact JSON decimal literal, so
// the node never sees a binary float.
type rawAmount fixed.Amount

func (a rawAmount) MarshalJSON() ([]byte, error) {
	return []byte(fixed.Amount(a).String()), nil
}

// Send broadcasts a payment via sendtoaddress.
func (b *BitcoinNode) Send(ctx context.Context, address string, amount fixed.Amount) (string, error) {
	var txid string
	if err := b.call(ctx, "sendtoaddress", []interface{}{address, rawAmount(amount)}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

type listSinceBlockResult struct {
	Transactions []struct {
		Address       string      `json:"address"`
		Category      string      `json:"category"`
		Amount        json.Number `json:"amount"`
		Confirmations int64       `json:"confirmations"`
		TxID          string      `json:"txid"`
		Time          int64       `json:"time"`
	} `json:"transactions"`
	LastBlock string `json:"lastblock"`
}

// ListReceipts scans forward from the cursor block hash via listsinceblock
// and returns confirmed incoming payments plus the new cursor.
//
// minConf is passed as target_confirmations, so the returned lastblock is
// the block minConf deep from the tip. A receipt still short of minConf
// stays ahead of the cursor and is delivered again on the next scan. An
// empty cursor means scan from the beginning; Core treats an empty
// blockhash argument as absent.
func (b *BitcoinNode) ListReceipts(ctx context.Context, cursor string, minConf int64) ([]Receipt, string, error) {
	target := minConf
	if target < 1 {
		target = 1
	}
	params := []interface{}{cursor, target}

	var result listSinceBlockResult
	if err := b.call(ctx, "listsinceblock", params, &result); err != nil {
		return nil, "", err
	}

	var receipts []Receipt
	for _, tx := range result.Transactions {
		if tx.Category != "receive" || tx.Confirmations < minConf {
			continue
		}
		amount, err := fixed.Parse(tx.Amount.String())
		if err != nil {
			return nil, "", fmt.Errorf("bad amount %q in tx %s: %w", tx.Amount, tx.TxID, err)
		}
		receipts = append(receipts, Receipt{
			TxID:          tx.TxID,
			Address:       tx.Address,
			Amount:        amount,
			Confirmations: tx.Confirmations,
			Time:          time.Unix(tx.Time, 0),
		})
	}
	return receipts, result.LastBlock, nil
}

// BlockHeight returns the chain height via getblockcount.
func (b *BitcoinNode) BlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := b.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// Ping checks RPC reachability via getblockcount.
func (b *BitcoinNode) Ping(ctx context.Context) error {
	_, err := b.BlockHeight(ctx)
	return err
}
