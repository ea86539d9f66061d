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

// MoneroNode is a monero-wallet-rpc JSON-RPC 2.0 client. Deposit addresses
// are subaddresses of account 0; amounts cross the wire as integer
// piconero.
type MoneroNode struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
}

// NewMoneroNode creates a client for a monero-wallet-rpc endpoint.
func NewMoneroNode(host string, port int, user, pass string, timeout time.Duration) *MoneroNode {
	return &MoneroNode{
		url:  fmt.Sprintf("http://%s:%d/json_rpc", host, port),
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type moneroRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type moneroRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *moneroRPCError `json:"error"`
}

type moneroRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *moneroRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (m *MoneroNode) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(moneroRPCRequest{
		JSONRPC: "2.0",
		ID:      "meridiand",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create rpc request: %w", err)
	}
	if m.user != "" {
		req.SetBasicAuth(m.user, m.pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNodeUnavailable, err)
	}

	var rpcResp moneroRPCResponse
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

// NewReceiveAddress creates a labelled subaddress under account 0 and
// returns it with its minor index.
func (m *MoneroNode) NewReceiveAddress(ctx context.Context, label string) (string, *int64, error) {
	var result struct {
		Address      string `json:"address"`
		AddressIndex int64  `json:"address_index"`
	}
	params := map[string]interface{}{
		"account_index": 0,
		"label":         label,
	}
	if err := m.call(ctx, "create_address", params, &result); err != nil {
		return "", nil, err
	}
	idx := result.AddressIndex
	return result.Address, &idx, nil
}

// Send broadcasts a payment from account 0.
func (m *MoneroNode) Send(ctx context.Context, address string, amount fixed.Amount) (string, error) {
	var result struct {
		TxHash string `json:"tx_hash"`
	}
	params := map[string]interface{}{
		"destinations": []map[string]interface{}{
			{"amount": amount.ToMoneroAtomic(), "address": address},
		},
		"account_index": 0,
	}
	if err := m.call(ctx, "transfer", params, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

type moneroTransfer struct {
	TxID          string `json:"txid"`
	Address       string `json:"address"`
	Amount        uint64 `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	Timestamp     int64  `json:"timestamp"`
}

// ListReceipts returns confirmed incoming transfers strictly newer than the
// cursor timestamp (RFC3339; empty scans everything), and the timestamp of
// the newest transfer seen as the next cursor.
func (m *MoneroNode) ListReceipts(ctx context.Context, cursor string, minConf int64) ([]Receipt, string, error) {
	var since time.Time
	if cursor != "" {
		var err error
		since, err = time.Parse(time.RFC3339, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad monero sync cursor %q: %w", cursor, err)
		}
	}

	var result struct {
		In []moneroTransfer `json:"in"`
	}
	params := map[string]interface{}{
		"in":            true,
		"account_index": 0,
	}
	if err := m.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, "", err
	}

	// The cursor only advances over transfers that already met minConf;
	// a pending transfer stays ahead of the cursor until it confirms.
	newest := since
	var receipts []Receipt
	for _, tr := range result.In {
		if tr.Confirmations < minConf {
			continue
		}
		ts := time.Unix(tr.Timestamp, 0).UTC()
		if ts.After(newest) {
			newest = ts
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		receipts = append(receipts, Receipt{
			TxID:          tr.TxID,
			Address:       tr.Address,
			Amount:        fixed.FromMoneroAtomic(tr.Amount),
			Confirmations: tr.Confirmations,
			Time:          ts,
		})
	}

	newCursor := cursor
	if !newest.IsZero() {
		newCursor = newest.UTC().Format(time.RFC3339)
	}
	return receipts, newCursor, nil
}

// BlockHeight returns the wallet's synced height via get_height.
func (m *MoneroNode) BlockHeight(ctx context.Context) (int64, error) {
	var result struct {
		Height int64 `json:"height"`
	}
	if err := m.call(ctx, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

// Ping checks RPC reachability via get_height.
func (m *MoneroNode) Ping(ctx context.Context) error {
	_, err := m.BlockHeight(ctx)
	return err
}
