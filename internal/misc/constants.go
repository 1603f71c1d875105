package misc

const (
	// Argon2id parameters for master key derivation. ArgonTime doubles as the
	// default iteration count recorded in the persisted key parameters.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	KeyLen       uint32 = 32

	// PBKDF2 iteration count for legacy vaults and export envelopes.
	PBKDF2Iterations = 100_000

	SaltSize = 16

	FilePermissions = 0600 // user read + write
)
