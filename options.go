package keepsafe

import (
	"fmt"

	"southwinds.dev/keepsafe/internal/misc"
)

// Options represents configuration parameters for opening a vault session.
//
// Sensitive fields (the master password and any custom salt) carry `json:"-"`
// so they can never leak through configuration serialization or logging; they
// must be supplied through a secure channel at construction time. A password
// may alternatively be delivered through the environment variable named by
// EnvPassphraseVar, which keeps it out of process argument lists.
type Options struct {
	// MasterPassword is the single user-supplied secret from which the
	// storage encryption key is derived. Never persisted in any form.
	MasterPassword string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the master
	// password. Consulted only when MasterPassword is empty.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// DerivationSalt optionally pins the salt used when creating a new
	// vault. When empty a random salt is generated. Ignored for vaults
	// that already have persisted key parameters.
	DerivationSalt []byte `json:"-"`

	// Iterations is the Argon2id time parameter recorded in the key
	// parameters of a newly created vault. Zero selects the default.
	Iterations uint32 `json:"iterations,omitempty"`

	// EnableMemoryLock requests best-effort locking of process memory so
	// derived keys cannot be swapped to disk. Failure to lock is reported
	// but not fatal.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// UserID identifies the operator in audit events.
	UserID string `json:"-"`
}

// Validate checks that the options can produce a usable session.
func (o Options) Validate() error {
	if o.MasterPassword == "" && o.EnvPassphraseVar == "" {
		return &ValidationError{Field: "password", Reason: "either MasterPassword or EnvPassphraseVar must be provided"}
	}
	if len(o.DerivationSalt) != 0 && len(o.DerivationSalt) != misc.SaltSize {
		return &ValidationError{
			Field:  "salt",
			Reason: fmt.Sprintf("derivation salt must be %d bytes, got %d", misc.SaltSize, len(o.DerivationSalt)),
		}
	}
	return nil
}
