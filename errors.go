package keepsafe

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Every typed error below
// matches its sentinel through errors.Is, so callers can branch on the class
// without caring about the concrete type.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrDecryption         = errors.New("decryption failed")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("record not found")
	ErrUnsupportedVersion = errors.New("unsupported blob version")
	ErrPersistence        = errors.New("persistence failure")
)

// AuthenticationError reports a wrong master password at verification time.
// It is never produced by data corruption; tampered blobs under the correct
// key surface as DecryptionError instead.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "incorrect current password"
	}
	return e.Reason
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// DecryptionError reports an authentication tag failure or corrupted payload
// for a specific collection blob. Decryption is all-or-nothing: the engine
// never yields partial plaintext alongside this error.
type DecryptionError struct {
	Collection string
	Err        error
}

func (e *DecryptionError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("decryption failed: %v", e.Err)
	}
	return fmt.Sprintf("decryption failed for collection %q: %v", e.Collection, e.Err)
}

func (e *DecryptionError) Unwrap() error        { return e.Err }
func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// ValidationError reports bad caller input: empty or reserved collection
// names, duplicate record ids, weak passwords and the like.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an update or lookup against a record id that does
// not exist in the named collection.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %q not found in collection %q", e.ID, e.Collection)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnsupportedVersionError reports a blob whose format version is newer than
// this build understands. The engine fails closed rather than guessing.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported blob version %d", e.Version)
}

func (e *UnsupportedVersionError) Is(target error) bool { return target == ErrUnsupportedVersion }

// PersistenceError reports a backend I/O failure. Transient instances may be
// retried by the caller; the engine itself only retries writes internally
// before surfacing the final failure.
type PersistenceError struct {
	Op   string
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence failure during %s of %q: %v", e.Op, e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error        { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
