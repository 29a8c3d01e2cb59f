// Package processor turns one ledger transaction into local ticket state.
//
// Processing is idempotent: a signature that has already been applied is
// skipped, and ticket updates are guarded by slot so an older transaction
// never overwrites newer state. Both ingestion paths rely on this to deliver
// the same reference more than once.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// Processor handles one ledger reference.
type Processor interface {
	ProcessTransaction(ctx context.Context, ref types.Reference) error
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, ref types.Reference) error

// ProcessTransaction implements Processor.
func (f Func) ProcessTransaction(ctx context.Context, ref types.Reference) error {
	return f(ctx, ref)
}

// TransactionSource fetches transactions by signature.
type TransactionSource interface {
	Transaction(ctx context.Context, signature string) (*rpcfetch.Transaction, error)
}

// Store persists processed transactions and their ticket effects.
type Store interface {
	// IsProcessed reports whether signature has already been applied.
	IsProcessed(ctx context.Context, signature string) (bool, error)

	// ApplyTransaction atomically applies changes (slot-guarded per ticket)
	// and records ref as processed.
	ApplyTransaction(ctx context.Context, ref types.Reference, changes []tickets.Change) error
}

// Program log lines emitted by the ticketing program.
const (
	logVerifyTicket   = "Program log: Instruction: VerifyTicket"
	logTransferTicket = "Program log: Instruction: TransferTicket"
)

// TicketProcessor derives ticket changes from token balance deltas and
// program logs.
type TicketProcessor struct {
	source TransactionSource
	store  Store
	logger *zap.Logger
}

// NewTicketProcessor creates a processor.
func NewTicketProcessor(source TransactionSource, store Store, logger *zap.Logger) *TicketProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketProcessor{
		source: source,
		store:  store,
		logger: logger.Named("processor"),
	}
}

// ProcessTransaction implements Processor.
func (p *TicketProcessor) ProcessTransaction(ctx context.Context, ref types.Reference) error {
	done, err := p.store.IsProcessed(ctx, ref.Signature)
	if err != nil {
		return fmt.Errorf("check processed %s: %w", ref.Signature, err)
	}
	if done {
		p.logger.Debug("already processed", zap.String("signature", ref.Signature))
		return nil
	}

	tx, err := p.source.Transaction(ctx, ref.Signature)
	if err != nil {
		return fmt.Errorf("fetch transaction %s: %w", ref.Signature, err)
	}
	if tx.Slot != 0 {
		ref.Slot = tx.Slot
	}

	var changes []tickets.Change
	if tx.Failed {
		ref.Failed = true
	} else {
		changes = DeriveChanges(tx)
	}

	if err := p.store.ApplyTransaction(ctx, ref, changes); err != nil {
		return fmt.Errorf("apply transaction %s: %w", ref.Signature, err)
	}

	if len(changes) > 0 {
		p.logger.Info("transaction applied",
			zap.String("signature", ref.Signature),
			zap.Uint64("slot", ref.Slot),
			zap.Int("tickets", len(changes)))
	}
	return nil
}

// holding is the NFT holder of one mint on one side of a transaction.
type holding struct {
	pre, post string
}

// DeriveChanges extracts per-ticket changes from a successful transaction.
// A ticket is an NFT: a token balance with zero decimals and amount 1.
func DeriveChanges(tx *rpcfetch.Transaction) []tickets.Change {
	var used, transferLogged bool
	for _, line := range tx.LogMessages {
		switch {
		case strings.HasPrefix(line, logVerifyTicket):
			used = true
		case strings.HasPrefix(line, logTransferTicket):
			transferLogged = true
		}
	}

	mints := map[string]*holding{}
	track := func(b rpcfetch.TokenBalance, post bool) {
		if b.UITokenAmount.Decimals != 0 {
			return
		}
		// Older nodes omit programId.
		if b.ProgramID != "" && !types.IsTokenProgram(b.ProgramID) {
			return
		}
		h, ok := mints[b.Mint]
		if !ok {
			h = &holding{}
			mints[b.Mint] = h
		}
		if b.UITokenAmount.Amount != "1" {
			return
		}
		if post {
			h.post = b.Owner
		} else {
			h.pre = b.Owner
		}
	}
	for _, b := range tx.PreTokenBalances {
		track(b, false)
	}
	for _, b := range tx.PostTokenBalances {
		track(b, true)
	}

	ids := make([]string, 0, len(mints))
	for mint := range mints {
		ids = append(ids, mint)
	}
	sort.Strings(ids)

	var changes []tickets.Change
	for _, mint := range ids {
		h := mints[mint]
		if h.pre == "" && h.post == "" {
			continue
		}

		c := tickets.Change{
			TicketID:  mint,
			Used:      used,
			Signature: tx.Signature,
			Slot:      tx.Slot,
		}
		switch {
		case h.pre == "" && h.post != "":
			c.Minted = true
			c.Owner = h.post
		case h.pre != "" && h.post == "":
			c.Burned = true
		case h.pre != h.post:
			c.Owner = h.post
			c.Transferred = true
		case transferLogged:
			// Transfer to self keeps the owner but still counts.
			c.Transferred = true
		case !used:
			continue
		}
		changes = append(changes, c)
	}
	return changes
}
