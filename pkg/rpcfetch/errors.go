package rpcfetch

import (
	"errors"
	"fmt"
	"strings"
)

// Package errors.
var (
	// ErrSlotSkipped is returned when a slot has no block (was skipped).
	ErrSlotSkipped = errors.New("slot was skipped")

	// ErrTransactionNotFound is returned when a node has no record of a signature.
	ErrTransactionNotFound error = &notFoundError{what: "transaction"}

	// ErrAssetNotFound is returned when the asset index has no such asset.
	ErrAssetNotFound error = &notFoundError{what: "asset"}

	// ErrInvalidRange is returned for an empty or inverted slot range.
	ErrInvalidRange = errors.New("invalid slot range")
)

// notFoundError is a definitive answer from a healthy node and never a
// reason to fail over.
type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string       { return e.what + " not found" }
func (e *notFoundError) EndpointFault() bool { return false }

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// EndpointFault reports whether the error reflects the state of the node
// that returned it rather than the request itself.
func (e *RPCError) EndpointFault() bool {
	switch e.Code {
	case -32600, -32601, -32602: // invalid request, method not found, invalid params
		return false
	case -32009, -32007, -32004: // skipped or missing slot
		return false
	case -32015: // unsupported transaction version
		return false
	}
	return !isNotFoundMessage(e.Message)
}

func isNotFoundMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not found")
}

// IsSlotSkipped returns true if the error indicates a skipped slot.
func IsSlotSkipped(err error) bool {
	if errors.Is(err, ErrSlotSkipped) {
		return true
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// Common RPC error codes for missing/skipped slots:
		// -32009: Slot was skipped, or missing in long-term storage
		// -32007: Slot was skipped
		// -32004: Block not available for slot
		switch rpcErr.Code {
		case -32009, -32007, -32004:
			return true
		}
	}

	return false
}

// IsNotFound returns true if the ledger definitively reported the object missing.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrAssetNotFound) {
		return true
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return isNotFoundMessage(rpcErr.Message)
	}
	return false
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Don't retry definitive answers
	if IsSlotSkipped(err) || IsNotFound(err) || errors.Is(err, ErrInvalidRange) {
		return false
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.EndpointFault()
	}

	// Transport and timeout errors are potentially retryable
	return true
}
