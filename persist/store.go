package persist

import (
	"context"
	"errors"
	"time"
)

// ErrBlobNotFound is returned by ReadBlob when no blob exists under a name.
var ErrBlobNotFound = errors.New("blob not found")

// ErrNoKeyParams is returned by ReadKeyParams before a vault has been
// initialized in the store.
var ErrNoKeyParams = errors.New("key parameters not found")

// KDF identifiers recorded in KeyParams.
const (
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2"
)

// KeyParams is the single top-level record describing how the master key is
// derived: the salt, the KDF and its iteration count. It is shared by every
// collection blob and rewritten only at vault creation and on a successful
// password rotation. It never contains derived key material.
type KeyParams struct {
	Version    int       `json:"version"`
	KDF        string    `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Iterations int       `json:"iterations"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store is the persistence port for the vault engine. Implementations see
// only opaque encrypted bytes; all encryption happens above this interface.
// The engine is single-writer, so implementations do not need optimistic
// concurrency control, only durable, atomic-enough writes per blob.
type Store interface {
	// ReadBlob returns the persisted bytes for a named blob, or
	// ErrBlobNotFound when the name has never been written.
	ReadBlob(ctx context.Context, name string) ([]byte, error)

	// WriteBlob durably replaces the named blob.
	WriteBlob(ctx context.Context, name string, data []byte) error

	// DeleteBlob removes the named blob. Missing names are not an error.
	DeleteBlob(ctx context.Context, name string) error

	// ListBlobs returns the names of all persisted blobs, engine-internal
	// ones included, in no particular order.
	ListBlobs(ctx context.Context) ([]string, error)

	// ReadKeyParams returns the vault's key derivation parameters, or
	// ErrNoKeyParams for a store that has never held a vault.
	ReadKeyParams(ctx context.Context) (*KeyParams, error)

	// WriteKeyParams durably replaces the key derivation parameters.
	WriteKeyParams(ctx context.Context, params *KeyParams) error

	// Ping verifies the backend is reachable and writable.
	Ping(ctx context.Context) error

	// Type identifies the backend implementation.
	Type() string

	Close() error
}

// StoreType selects a Store implementation in StoreConfig.
type StoreType string

const (
	FileSystemStoreType StoreType = "filesystem"
	BoltStoreType       StoreType = "bolt"
	S3StoreType         StoreType = "s3"
)

// StoreConfig configures the store factory.
type StoreConfig struct {
	Type StoreType `json:"type"`
	// Path is the base directory for filesystem stores and the database
	// file for bolt stores.
	Path string    `json:"path,omitempty"`
	S3   *S3Config `json:"s3,omitempty"`
}
