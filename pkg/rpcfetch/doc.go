// Package rpcfetch reads program activity from a Solana-compatible ledger
// over JSON-RPC.
//
// # Architecture
//
// The package consists of two layers:
//
//   - RPCClient: Issues a single JSON-RPC method against one endpoint
//   - Ledger: Program-scoped queries routed through an rpcpool.Pool
//
// RPCClient knows nothing about endpoint health. It returns transport
// failures as plain errors and JSON-RPC errors as *RPCError, which tells the
// pool via EndpointFault whether the node or the request is to blame.
//
// # Usage
//
//	pool := rpcpool.NewPool(rpcpool.Config{Endpoints: endpoints}, logger)
//	ledger := rpcfetch.NewLedger(pool, rpcfetch.LedgerConfig{
//	    ProgramID:  "BnYanHjkV6bBDFYfC7F76TyYk6NA9p3wvcAfY1XZCXYS",
//	    Commitment: types.CommitmentConfirmed,
//	})
//
//	head, err := ledger.CurrentSlot(ctx)
//	refs, err := ledger.ReferencesAfter(ctx, checkpointRef, 100)
//	refs, err := ledger.ReferencesInRange(ctx, 1000, 2000)
//
// # Ordering
//
// getSignaturesForAddress pages newest first. Ledger reverses every result
// so callers always receive references oldest first.
//
// # Error Handling
//
// Use the classification helpers rather than matching messages:
//
//	if rpcfetch.IsNotFound(err) {
//	    // Definitive answer, do not retry
//	}
//	if rpcfetch.IsSlotSkipped(err) {
//	    // Normal condition, slot had no block
//	}
package rpcfetch
