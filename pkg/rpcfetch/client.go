package rpcfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 * 1024 * 1024

// RPCClient issues JSON-RPC requests to one endpoint at a time. Endpoint
// selection and failover belong to the caller (see Ledger).
type RPCClient struct {
	httpClient *http.Client
}

// NewRPCClient creates a new RPC client. A nil httpClient uses http.DefaultClient.
func NewRPCClient(httpClient *http.Client) *RPCClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RPCClient{httpClient: httpClient}
}

// rpcRequest represents a JSON-RPC 2.0 request. Params is either a
// positional array or, for DAS methods, a named object.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call makes a JSON-RPC call to endpoint and decodes the result into result.
// Transport failures are returned as plain errors; JSON-RPC errors as *RPCError.
func (c *RPCClient) call(ctx context.Context, endpoint, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// GetHealth returns nil if the node reports itself healthy.
func (c *RPCClient) GetHealth(ctx context.Context, endpoint string) error {
	var status string
	if err := c.call(ctx, endpoint, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node health: %q", status)
	}
	return nil
}

// GetSlot fetches the current slot at the given commitment.
func (c *RPCClient) GetSlot(ctx context.Context, endpoint string, commitment types.CommitmentLevel) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{
			"commitment": commitment,
		},
	}

	var slot uint64
	if err := c.call(ctx, endpoint, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// SignatureInfo is one entry of a getSignaturesForAddress page.
type SignatureInfo struct {
	Signature          string      `json:"signature"`
	Slot               uint64      `json:"slot"`
	Err                interface{} `json:"err"`
	BlockTime          *int64      `json:"blockTime"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// Reference converts the entry to a ledger reference.
func (s SignatureInfo) Reference() types.Reference {
	return types.Reference{
		Signature: s.Signature,
		Slot:      s.Slot,
		BlockTime: s.BlockTime,
		Failed:    s.Err != nil,
	}
}

// SignaturesOptions bounds a getSignaturesForAddress page.
type SignaturesOptions struct {
	// Before starts the page strictly older than this signature.
	Before string

	// Until stops the page at (excluding) this signature.
	Until string

	// Limit is the page size, at most 1000.
	Limit int

	Commitment types.CommitmentLevel
}

// GetSignaturesForAddress returns one page of signatures involving address,
// newest first.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, endpoint, address string, opts SignaturesOptions) ([]SignatureInfo, error) {
	cfg := map[string]interface{}{}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}
	if opts.Limit > 0 {
		cfg["limit"] = opts.Limit
	}
	if opts.Commitment != "" {
		cfg["commitment"] = opts.Commitment
	}

	var sigs []SignatureInfo
	if err := c.call(ctx, endpoint, "getSignaturesForAddress", []interface{}{address, cfg}, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// TokenBalance is a token account balance from transaction metadata.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	ProgramID     string        `json:"programId"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount represents token amount with UI formatting.
type UITokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       uint8  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

// Transaction is the subset of getTransaction output used for ingestion.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         *int64
	Failed            bool
	LogMessages       []string
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// transactionResponse represents the getTransaction RPC response.
type transactionResponse struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction struct {
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
	Meta *struct {
		Err               interface{}    `json:"err"`
		LogMessages       []string       `json:"logMessages"`
		PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
		PostTokenBalances []TokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
}

// GetTransaction fetches a confirmed transaction by signature.
// Returns ErrTransactionNotFound if the node has no record of it.
func (c *RPCClient) GetTransaction(ctx context.Context, endpoint, signature string, commitment types.CommitmentLevel) (*Transaction, error) {
	if commitment == types.CommitmentProcessed {
		// getTransaction rejects processed commitment.
		commitment = types.CommitmentConfirmed
	}
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var resp *transactionResponse
	if err := c.call(ctx, endpoint, "getTransaction", params, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrTransactionNotFound
	}

	tx := &Transaction{
		Signature: signature,
		Slot:      resp.Slot,
		BlockTime: resp.BlockTime,
	}
	if resp.Meta != nil {
		tx.Failed = resp.Meta.Err != nil
		tx.LogMessages = resp.Meta.LogMessages
		tx.PreTokenBalances = resp.Meta.PreTokenBalances
		tx.PostTokenBalances = resp.Meta.PostTokenBalances
	}
	return tx, nil
}

// Asset is the subset of a DAS getAsset response used for reconciliation.
type Asset struct {
	ID        string `json:"id"`
	Burnt     bool   `json:"burnt"`
	Ownership struct {
		Owner    string `json:"owner"`
		Delegate string `json:"delegate"`
		Frozen   bool   `json:"frozen"`
	} `json:"ownership"`
}

// GetAsset fetches an asset from the node's DAS index.
// Returns ErrAssetNotFound if the index has no such asset.
func (c *RPCClient) GetAsset(ctx context.Context, endpoint, id string) (*Asset, error) {
	var asset *Asset
	err := c.call(ctx, endpoint, "getAsset", map[string]interface{}{"id": id}, &asset)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrAssetNotFound, err)
		}
		return nil, err
	}
	if asset == nil {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}
