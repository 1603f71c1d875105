package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/keepsafe/internal/misc"
)

// ErrBadSaltLength is returned when a salt does not have the expected size.
var ErrBadSaltLength = errors.New("invalid salt length")

// RandomBytes returns n bytes from the platform CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// DeriveKey stretches a password into a 256-bit master key using Argon2id.
// The same password, salt and iteration count always yield the same key.
// The result is returned in a locked buffer so the caller can seal it into
// an enclave without the key ever living in ordinary heap memory.
func DeriveKey(password []byte, salt []byte, iterations uint32) (*memguard.LockedBuffer, error) {
	if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadSaltLength, len(salt), misc.SaltSize)
	}
	if iterations == 0 {
		iterations = misc.ArgonTime
	}

	derived := argon2.IDKey(password, salt, iterations, misc.ArgonMemory, misc.ArgonThreads, misc.KeyLen)

	// Protect the derived key immediately, then wipe the unprotected copy.
	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// DeriveKeyPBKDF2 derives a 256-bit key with PBKDF2-SHA256. It exists for
// vaults created before the Argon2id upgrade and for export envelopes; new
// key material always goes through DeriveKey.
func DeriveKeyPBKDF2(password []byte, salt []byte, iterations int) (*memguard.LockedBuffer, error) {
	if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadSaltLength, len(salt), misc.SaltSize)
	}
	if iterations <= 0 {
		iterations = misc.PBKDF2Iterations
	}

	derived := pbkdf2.Key(password, salt, iterations, int(misc.KeyLen), sha256.New)

	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// EncryptWithPassphrase encrypts data under a passphrase using
// PBKDF2 + ChaCha20-Poly1305. Output layout: salt + nonce + ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt, err := RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, int(misc.KeyLen), sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase. Authentication is
// verified before any plaintext is returned.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	nonce := encryptedData[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[misc.SaltSize+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, int(misc.KeyLen), sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// Checksum calculates the SHA-256 checksum of data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
