package keepsafe

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/keepsafe/internal/crypto"
)

// Blob format versions. Version 1 is the AES-256-GCM format written by early
// vaults; version 2 is the current ChaCha20-Poly1305 format. Open dispatches
// on the version so a vault can hold a mix of both; Seal always writes the
// current version.
const (
	blobVersionAESGCM  = 1
	blobVersionChaCha  = 2
	blobVersionCurrent = blobVersionChaCha
)

const authTagSize = 16

// EncryptedBlob is the persisted unit for one collection: a fresh random
// nonce, the ciphertext, and the authentication tag binding the two to the
// key and the format version. Byte fields serialize as base64 in JSON.
//
// Decrypting with the wrong key, or after any bit flip in Ciphertext or
// AuthTag, fails tag verification and yields no output at all.
type EncryptedBlob struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"authTag"`
}

// encodeBlob serializes a blob for persistence.
func encodeBlob(blob *EncryptedBlob) ([]byte, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	return data, nil
}

// decodeBlob parses a persisted blob. Undecodable bytes count as corruption.
func decodeBlob(data []byte) (*EncryptedBlob, error) {
	var blob EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("malformed blob: %w", err)}
	}
	return &blob, nil
}

// sealRecords serializes a record sequence canonically and encrypts it under
// the given key with a fresh random nonce. Nonces are never reused: every
// call draws a new one from the platform CSPRNG.
func sealRecords(records []Record, key *memguard.Enclave) (*EncryptedBlob, error) {
	if records == nil {
		records = []Record{}
	}
	plaintext, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize records: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	keyBuffer, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access master key: %w", err)
	}
	defer keyBuffer.Destroy()

	aead, err := chacha20poly1305.New(keyBuffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := crypto.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// The AEAD appends the Poly1305 tag; the persisted layout keeps it as
	// a separate field.
	split := len(sealed) - authTagSize
	return &EncryptedBlob{
		Version:    blobVersionCurrent,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// openRecords verifies and decrypts a blob back into its record sequence.
// Verification happens before any plaintext is produced; a wrong key or a
// tampered blob fails with DecryptionError and nothing else. Unknown format
// versions fail closed with UnsupportedVersionError.
func openRecords(blob *EncryptedBlob, key *memguard.Enclave) ([]Record, error) {
	keyBuffer, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access master key: %w", err)
	}
	defer keyBuffer.Destroy()

	var aead cipher.AEAD
	switch blob.Version {
	case blobVersionChaCha:
		aead, err = chacha20poly1305.New(keyBuffer.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
	case blobVersionAESGCM:
		block, berr := aes.NewCipher(keyBuffer.Bytes())
		if berr != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", berr)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
	default:
		return nil, &UnsupportedVersionError{Version: blob.Version}
	}

	if len(blob.Nonce) != aead.NonceSize() || len(blob.AuthTag) != authTagSize {
		return nil, &DecryptionError{Err: fmt.Errorf("malformed blob: bad nonce or tag length")}
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.AuthTag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag...)

	plaintext, err := aead.Open(nil, blob.Nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	defer memguard.WipeBytes(plaintext)

	var records []Record
	if err = json.Unmarshal(plaintext, &records); err != nil {
		// Authenticated but undecodable payloads indicate a logic
		// defect, not tampering; still all-or-nothing.
		return nil, &DecryptionError{Err: fmt.Errorf("malformed payload: %w", err)}
	}

	return records, nil
}
