package rpcfetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

// Default ledger settings.
const (
	DefaultPageSize   = 1000
	DefaultMaxAnchors = 4096
)

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// ProgramID is the on-chain program whose activity is ingested.
	ProgramID string

	// Commitment is the finality level requested for every query.
	Commitment types.CommitmentLevel

	// PageSize is the getSignaturesForAddress page size.
	PageSize int

	// MaxAnchors bounds the slot-to-signature cursor cache used to seek into
	// history without paging down from the head every time.
	MaxAnchors int
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c LedgerConfig) WithDefaults() LedgerConfig {
	if c.Commitment == "" {
		c.Commitment = types.CommitmentConfirmed
	}
	if c.PageSize <= 0 || c.PageSize > DefaultPageSize {
		c.PageSize = DefaultPageSize
	}
	if c.MaxAnchors <= 0 {
		c.MaxAnchors = DefaultMaxAnchors
	}
	return c
}

// AssetState is the ledger's view of one asset.
type AssetState struct {
	Exists bool
	Owner  string
	Burnt  bool
}

// Ledger is the program-scoped view of the ledger used by the ingestion and
// reconciliation paths. Every call goes through the failover pool.
type Ledger struct {
	pool   *rpcpool.Pool
	client *RPCClient
	cfg    LedgerConfig

	// anchors are page-boundary signatures seen while paging, sorted by slot.
	anchorsMu sync.Mutex
	anchors   []anchor
}

type anchor struct {
	slot      uint64
	signature string
}

// NewLedger creates a Ledger over pool.
func NewLedger(pool *rpcpool.Pool, cfg LedgerConfig) *Ledger {
	return &Ledger{
		pool:   pool,
		client: NewRPCClient(pool.HTTPClient()),
		cfg:    cfg.WithDefaults(),
	}
}

// ProgramID returns the monitored program address.
func (l *Ledger) ProgramID() string {
	return l.cfg.ProgramID
}

// CurrentSlot returns the ledger head at the configured commitment.
func (l *Ledger) CurrentSlot(ctx context.Context) (uint64, error) {
	return rpcpool.Do(ctx, l.pool, "getSlot", func(ctx context.Context, endpoint string) (uint64, error) {
		return l.client.GetSlot(ctx, endpoint, l.cfg.Commitment)
	})
}

// Transaction fetches one transaction by signature.
func (l *Ledger) Transaction(ctx context.Context, signature string) (*Transaction, error) {
	return rpcpool.Do(ctx, l.pool, "getTransaction", func(ctx context.Context, endpoint string) (*Transaction, error) {
		return l.client.GetTransaction(ctx, endpoint, signature, l.cfg.Commitment)
	})
}

// AssetState looks up an asset. A missing asset is reported as Exists=false,
// not as an error.
func (l *Ledger) AssetState(ctx context.Context, assetID string) (AssetState, error) {
	asset, err := rpcpool.Do(ctx, l.pool, "getAsset", func(ctx context.Context, endpoint string) (*Asset, error) {
		return l.client.GetAsset(ctx, endpoint, assetID)
	})
	if err != nil {
		if IsNotFound(err) {
			return AssetState{}, nil
		}
		return AssetState{}, err
	}
	return AssetState{
		Exists: true,
		Owner:  asset.Ownership.Owner,
		Burnt:  asset.Burnt,
	}, nil
}

// page fetches one signatures page through the pool.
func (l *Ledger) page(ctx context.Context, before, until string) ([]SignatureInfo, error) {
	sigs, err := rpcpool.Do(ctx, l.pool, "getSignaturesForAddress", func(ctx context.Context, endpoint string) ([]SignatureInfo, error) {
		return l.client.GetSignaturesForAddress(ctx, endpoint, l.cfg.ProgramID, SignaturesOptions{
			Before:     before,
			Until:      until,
			Limit:      l.cfg.PageSize,
			Commitment: l.cfg.Commitment,
		})
	})
	if err != nil {
		return nil, err
	}
	if n := len(sigs); n > 0 {
		l.recordAnchor(sigs[n-1])
	}
	return sigs, nil
}

// ReferencesAfter returns up to limit references newer than after, oldest
// first, so that processing them in order keeps the checkpoint contiguous.
//
// With an empty cursor only the newest page is considered; history before
// the first run is the job of backfill. With a slot but no signature, the
// cursor means "everything below this slot is done": references in that
// slot are returned again and rely on idempotent processing.
func (l *Ledger) ReferencesAfter(ctx context.Context, after types.Reference, limit int) ([]types.Reference, error) {
	if limit <= 0 {
		limit = l.cfg.PageSize
	}

	var newestFirst []SignatureInfo
	before := ""
	for {
		sigs, err := l.page(ctx, before, after.Signature)
		if err != nil {
			return nil, err
		}

		done := len(sigs) < l.cfg.PageSize
		for _, s := range sigs {
			if after.Signature == "" && s.Slot < after.Slot {
				done = true
				break
			}
			newestFirst = append(newestFirst, s)
		}

		if after.Signature == "" && after.Slot == 0 {
			break
		}
		if done || len(sigs) == 0 {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	n := len(newestFirst)
	if n > limit {
		n = limit
	}
	refs := make([]types.Reference, 0, n)
	for i := len(newestFirst) - 1; i >= 0 && len(refs) < n; i-- {
		refs = append(refs, newestFirst[i].Reference())
	}
	return refs, nil
}

// ReferencesInRange returns every reference with slot in [start, end),
// oldest first.
func (l *Ledger) ReferencesInRange(ctx context.Context, start, end uint64) ([]types.Reference, error) {
	if end <= start {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}

	var newestFirst []SignatureInfo
	before := l.anchorAtOrAbove(end)
	for {
		sigs, err := l.page(ctx, before, "")
		if err != nil {
			return nil, err
		}

		reachedStart := false
		for _, s := range sigs {
			if s.Slot < start {
				reachedStart = true
				break
			}
			if s.Slot < end {
				newestFirst = append(newestFirst, s)
			}
		}

		if reachedStart || len(sigs) < l.cfg.PageSize {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	refs := make([]types.Reference, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		refs = append(refs, newestFirst[i].Reference())
	}
	return refs, nil
}

// recordAnchor remembers a page boundary for later seeks.
func (l *Ledger) recordAnchor(s SignatureInfo) {
	l.anchorsMu.Lock()
	defer l.anchorsMu.Unlock()

	i := sort.Search(len(l.anchors), func(i int) bool { return l.anchors[i].slot >= s.Slot })
	if i < len(l.anchors) && l.anchors[i].slot == s.Slot {
		return
	}
	l.anchors = append(l.anchors, anchor{})
	copy(l.anchors[i+1:], l.anchors[i:])
	l.anchors[i] = anchor{slot: s.Slot, signature: s.Signature}

	if len(l.anchors) > l.cfg.MaxAnchors {
		// Drop the newest; the head is cheap to reach anyway.
		l.anchors = l.anchors[:l.cfg.MaxAnchors]
	}
}

// anchorAtOrAbove returns the signature of the lowest known anchor whose
// slot is at least slot. Everything older than it is below that slot's
// page boundary. Returns "" (start from the head) when none is known.
func (l *Ledger) anchorAtOrAbove(slot uint64) string {
	l.anchorsMu.Lock()
	defer l.anchorsMu.Unlock()

	i := sort.Search(len(l.anchors), func(i int) bool { return l.anchors[i].slot >= slot })
	if i == len(l.anchors) {
		return ""
	}
	return l.anchors[i].signature
}
