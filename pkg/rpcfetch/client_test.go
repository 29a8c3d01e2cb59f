package rpcfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

type rpcFault struct {
	code    int
	message string
}

func (f *rpcFault) Error() string { return f.message }

// mockRPCServer creates a mock RPC server for testing. A *rpcFault returned
// by the handler becomes a JSON-RPC error with that code.
func mockRPCServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, error)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int             `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		result, err := handler(req.Method, req.Params)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}

		if err != nil {
			code := -32000
			var f *rpcFault
			if errors.As(err, &f) {
				code = f.code
			}
			resp["error"] = map[string]interface{}{
				"code":    code,
				"message": err.Error(),
			}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetSlot(t *testing.T) {
	server := mockRPCServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		if method != "getSlot" {
			return nil, fmt.Errorf("unexpected method %s", method)
		}
		return 12345, nil
	})
	defer server.Close()

	client := NewRPCClient(nil)
	slot, err := client.GetSlot(context.Background(), server.URL, types.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetSlot failed: %v", err)
	}
	if slot != 12345 {
		t.Errorf("Expected slot 12345, got %d", slot)
	}
}

func TestGetTransaction(t *testing.T) {
	server := mockRPCServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		var p []json.RawMessage
		json.Unmarshal(params, &p)
		var sig string
		json.Unmarshal(p[0], &sig)

		switch sig {
		case "missing":
			return nil, nil
		case "failed":
			return map[string]interface{}{
				"slot": 7,
				"meta": map[string]interface{}{"err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			}, nil
		}
		return map[string]interface{}{
			"slot":      42,
			"blockTime": 1700000000,
			"transaction": map[string]interface{}{
				"signatures": []string{sig},
			},
			"meta": map[string]interface{}{
				"err":         nil,
				"logMessages": []string{"Program log: Instruction: TransferTicket"},
				"postTokenBalances": []map[string]interface{}{{
					"accountIndex": 1,
					"mint":         "Mint1",
					"owner":        "OwnerB",
					"uiTokenAmount": map[string]interface{}{
						"amount":   "1",
						"decimals": 0,
					},
				}},
			},
		}, nil
	})
	defer server.Close()

	client := NewRPCClient(nil)
	ctx := context.Background()

	tx, err := client.GetTransaction(ctx, server.URL, "sig1", types.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Slot != 42 || tx.Failed {
		t.Errorf("got slot=%d failed=%v", tx.Slot, tx.Failed)
	}
	if tx.BlockTime == nil || *tx.BlockTime != 1700000000 {
		t.Errorf("unexpected block time %v", tx.BlockTime)
	}
	if len(tx.LogMessages) != 1 || len(tx.PostTokenBalances) != 1 {
		t.Fatalf("unexpected meta: %+v", tx)
	}
	if b := tx.PostTokenBalances[0]; b.Mint != "Mint1" || b.Owner != "OwnerB" || b.UITokenAmount.Amount != "1" {
		t.Errorf("unexpected token balance %+v", b)
	}

	tx, err = client.GetTransaction(ctx, server.URL, "failed", types.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !tx.Failed {
		t.Error("expected failed transaction")
	}

	_, err = client.GetTransaction(ctx, server.URL, "missing", types.CommitmentConfirmed)
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
	if rpcpool.IsEndpointFault(err) {
		t.Error("not found must not be an endpoint fault")
	}
}

func TestGetAsset(t *testing.T) {
	server := mockRPCServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcFault{code: -32602, message: "invalid params"}
		}
		if p.ID == "gone" {
			return nil, &rpcFault{code: -32000, message: "Asset Not Found"}
		}
		return map[string]interface{}{
			"id":        p.ID,
			"burnt":     true,
			"ownership": map[string]interface{}{"owner": "OwnerA"},
		}, nil
	})
	defer server.Close()

	client := NewRPCClient(nil)
	ctx := context.Background()

	asset, err := client.GetAsset(ctx, server.URL, "asset1")
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if asset.Ownership.Owner != "OwnerA" || !asset.Burnt {
		t.Errorf("unexpected asset %+v", asset)
	}

	_, err = client.GetAsset(ctx, server.URL, "gone")
	if !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("Expected ErrAssetNotFound, got %v", err)
	}
	if rpcpool.IsEndpointFault(err) {
		t.Error("asset not found must not be an endpoint fault")
	}
}

func TestHTTPErrorIsEndpointFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewRPCClient(nil).GetSlot(context.Background(), server.URL, types.CommitmentConfirmed)
	if err == nil {
		t.Fatal("expected error")
	}
	if !rpcpool.IsEndpointFault(err) {
		t.Error("http 503 should be an endpoint fault")
	}
	if !IsRetryable(err) {
		t.Error("http 503 should be retryable")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		endpointFault bool
		retryable     bool
		notFound      bool
		skipped       bool
	}{
		{"invalid params", &RPCError{Code: -32602, Message: "Invalid params"}, false, false, false, false},
		{"method not found", &RPCError{Code: -32601, Message: "Method not found"}, false, false, true, false},
		{"node unhealthy", &RPCError{Code: -32005, Message: "Node is behind by 120 slots"}, true, true, false, false},
		{"slot skipped", &RPCError{Code: -32007, Message: "Slot 5 was skipped"}, false, false, false, true},
		{"wrapped skipped", fmt.Errorf("getBlock: %w", ErrSlotSkipped), true, false, false, true},
		{"tx not found", ErrTransactionNotFound, false, false, true, false},
		{"transport", errors.New("connection reset by peer"), true, true, false, false},
		{"invalid range", ErrInvalidRange, true, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rpcpool.IsEndpointFault(tt.err); got != tt.endpointFault {
				t.Errorf("IsEndpointFault = %v, want %v", got, tt.endpointFault)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsSlotSkipped(tt.err); got != tt.skipped {
				t.Errorf("IsSlotSkipped = %v, want %v", got, tt.skipped)
			}
		})
	}
}

func TestRPCCallCount(t *testing.T) {
	var calls atomic.Int32
	server := mockRPCServer(t, func(method string, params json.RawMessage) (interface{}, error) {
		calls.Add(1)
		return "ok", nil
	})
	defer server.Close()

	if err := NewRPCClient(nil).GetHealth(context.Background(), server.URL); err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}
