// Package types defines the core ledger identifiers shared across X1-Ledgersync.
//
// These types follow Solana conventions and are compatible with the X1 network.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeySize is the length of an account address.
const PubkeySize = 32

// ErrInvalidPubkey is returned when a pubkey has invalid length.
var ErrInvalidPubkey = errors.New("invalid pubkey: must be 32 bytes")

// Pubkey represents a 32-byte Ed25519 public key.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	data, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], data)
	return p, nil
}

// MustPubkeyFromBase58 parses a base58 pubkey or panics.
// Only intended for package-level constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey %q: %v", s, err))
	}
	return p
}

// String returns the base58-encoded representation.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Reference identifies one ledger event relevant to the monitored program:
// a transaction signature and the slot it landed in.
type Reference struct {
	Signature string
	Slot      uint64

	// BlockTime is the estimated production time, if the node reported one.
	BlockTime *int64

	// Failed is set when the transaction landed but returned an error.
	Failed bool
}

// String implements fmt.Stringer.
func (r Reference) String() string {
	return fmt.Sprintf("%s@%d", r.Signature, r.Slot)
}

// CommitmentLevel is the finality guarantee requested from a ledger node.
type CommitmentLevel string

// Commitment levels understood by Solana-compatible RPC nodes.
const (
	CommitmentProcessed CommitmentLevel = "processed"
	CommitmentConfirmed CommitmentLevel = "confirmed"
	CommitmentFinalized CommitmentLevel = "finalized"
)

// ParseCommitment parses a commitment level, defaulting to confirmed.
func ParseCommitment(s string) CommitmentLevel {
	switch s {
	case "processed":
		return CommitmentProcessed
	case "finalized":
		return CommitmentFinalized
	default:
		return CommitmentConfirmed
	}
}
