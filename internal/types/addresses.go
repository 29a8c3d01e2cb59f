package types

// Token program addresses. Ticket NFTs are held in accounts owned by one of these.
var (
	// TokenProgramAddr is the SPL Token program address.
	TokenProgramAddr = MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramAddr is the SPL Token-2022 program address.
	Token2022ProgramAddr = MustPubkeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// IsTokenProgram reports whether id is one of the SPL token programs.
func IsTokenProgram(id string) bool {
	return id == TokenProgramAddr.String() || id == Token2022ProgramAddr.String()
}
