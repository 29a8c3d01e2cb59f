package types

import (
	"errors"
	"testing"
)

func TestPubkeyFromBase58(t *testing.T) {
	p, err := PubkeyFromBase58("11111111111111111111111111111111")
	if err != nil {
		t.Fatalf("system program: %v", err)
	}
	if p != (Pubkey{}) {
		t.Errorf("system program should decode to zero bytes, got %x", p[:])
	}
	if got := p.String(); got != "11111111111111111111111111111111" {
		t.Errorf("String() = %q", got)
	}

	if _, err := PubkeyFromBase58("abc"); !errors.Is(err, ErrInvalidPubkey) {
		t.Errorf("short key: err = %v, want ErrInvalidPubkey", err)
	}
	if _, err := PubkeyFromBase58("0OIl"); err == nil {
		t.Error("non-base58 characters should fail")
	}
}

func TestParseCommitment(t *testing.T) {
	tests := map[string]CommitmentLevel{
		"processed": CommitmentProcessed,
		"confirmed": CommitmentConfirmed,
		"finalized": CommitmentFinalized,
		"":          CommitmentConfirmed,
		"max":       CommitmentConfirmed,
	}
	for in, want := range tests {
		if got := ParseCommitment(in); got != want {
			t.Errorf("ParseCommitment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsTokenProgram(t *testing.T) {
	if !IsTokenProgram(TokenProgramAddr.String()) {
		t.Error("token program not recognised")
	}
	if !IsTokenProgram("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb") {
		t.Error("token-2022 program not recognised")
	}
	if IsTokenProgram("11111111111111111111111111111111") {
		t.Error("system program reported as token program")
	}
}

func TestReferenceString(t *testing.T) {
	r := Reference{Signature: "sig", Slot: 7}
	if got := r.String(); got != "sig@7" {
		t.Errorf("String() = %q", got)
	}
}
