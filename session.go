package keepsafe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/internal/crypto"
	"southwinds.dev/keepsafe/internal/mem"
	"southwinds.dev/keepsafe/internal/misc"
	"southwinds.dev/keepsafe/persist"
)

// Initialize memguard before any session operation so interrupted processes
// wipe protected memory on the way out.
func init() {
	memguard.CatchInterrupt()
}

const keyParamsVersion = 1

// The canary blob seals a fixed, known record sequence under the current
// master key. Opening it proves a candidate key is correct without risking
// user data; it carries nothing secret.
const canaryBlobName = ".canary"

func canaryRecords() []Record {
	return []Record{{recordIDField: "canary", "marker": "keepsafe"}}
}

// RetryConfig configures retry behavior for persistence writes.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   1 * time.Second,
	}
}

// Session is the storage engine's single entry point: an explicit handle
// constructed once at startup and passed to every collaborator that needs
// vault access. There is no implicit global state.
//
// A Session exclusively owns the master key material (held in memguard
// enclaves, wiped on Close), the decrypted in-memory working set, and the
// persisted ciphertext reachable through its store. It assumes one logical
// caller at a time; operations may block on key derivation and backend I/O,
// and every CRUD call queues behind an in-flight password rotation so no
// write can be encrypted under a superseded key.
type Session struct {
	store persist.Store
	audit audit.Logger

	mu sync.RWMutex

	// Master key material. The salt and iteration parameters mirror the
	// persisted key-params record; the derived key exists only here.
	masterKeyEnclave *memguard.Enclave
	saltEnclave      *memguard.Enclave
	kdf              string
	iterations       int

	// Decrypted working set, keyed by collection name, in raw persisted
	// form. Migration to the canonical view happens on the way out of Get.
	cache      map[string][]Record
	migrations map[string]Migration

	memoryProtection mem.ProtectionLevel
	rotationState    atomic.Int32

	retry  RetryConfig
	userID string
	closed bool
}

// NewWithStore opens a vault session against the given storage backend.
//
// For a store that has never held a vault it creates one: the master
// password must satisfy the strength policy, a fresh random salt is
// generated (unless Options pins one), the Argon2id parameters are
// persisted, and a canary blob is sealed under the new key.
//
// For an existing vault it derives the key from the persisted parameters and
// verifies it against the canary blob before returning; a wrong password
// surfaces as AuthenticationError and nothing is touched.
//
// A nil auditLogger falls back to the no-op logger. The caller owns the
// returned session and must Close it to wipe key material.
func NewWithStore(ctx context.Context, options Options, store persist.Store, auditLogger audit.Logger) (*Session, error) {
	if store == nil {
		return nil, &ValidationError{Field: "store", Reason: "a persistence backend is required"}
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	password, err := resolvePassword(options)
	if err != nil {
		return nil, err
	}

	if err = store.Ping(ctx); err != nil {
		return nil, &PersistenceError{Op: "ping", Err: err}
	}

	s := &Session{
		store:      store,
		audit:      auditLogger,
		cache:      make(map[string][]Record),
		migrations: make(map[string]Migration),
		retry:      DefaultRetryConfig(),
		userID:     options.UserID,
	}

	if options.EnableMemoryLock {
		level, lockErr := mem.Lock()
		s.memoryProtection = level
		if lockErr != nil {
			// Best effort: a partially protected session still works.
			s.logAudit("memory_lock", lockErr, map[string]interface{}{"level": level.String()})
		}
	}

	if err = s.initializeKeyMaterial(ctx, options, password); err != nil {
		return nil, err
	}

	s.logAudit("session_open", nil, map[string]interface{}{"store": store.Type(), "kdf": s.kdf})
	return s, nil
}

func resolvePassword(options Options) (string, error) {
	if options.MasterPassword != "" {
		return options.MasterPassword, nil
	}
	password := os.Getenv(options.EnvPassphraseVar)
	if password == "" {
		return "", &ValidationError{
			Field:  "password",
			Reason: fmt.Sprintf("environment variable %s is empty", options.EnvPassphraseVar),
		}
	}
	return password, nil
}

// initializeKeyMaterial loads the persisted key parameters and verifies the
// password, or provisions a brand new vault when none exist.
func (s *Session) initializeKeyMaterial(ctx context.Context, options Options, password string) error {
	passwordBytes := []byte(password)
	defer memguard.WipeBytes(passwordBytes)

	params, err := s.store.ReadKeyParams(ctx)
	switch {
	case errors.Is(err, persist.ErrNoKeyParams):
		return s.createVault(ctx, options, passwordBytes)
	case err != nil:
		return &PersistenceError{Op: "read key parameters", Err: err}
	}

	key, err := deriveKey(passwordBytes, params.Salt, params.KDF, params.Iterations)
	if err != nil {
		return err
	}

	s.masterKeyEnclave = key
	// NewEnclave wipes its input, so hand it a private copy of the salt.
	s.saltEnclave = memguard.NewEnclave(append([]byte(nil), params.Salt...))
	s.kdf = params.KDF
	s.iterations = params.Iterations

	if err = s.verifyMasterKey(ctx); err != nil {
		s.masterKeyEnclave = nil
		s.saltEnclave = nil
		s.logAudit("session_open", err, nil)
		return err
	}
	return nil
}

// createVault provisions key parameters and the canary for a fresh store.
func (s *Session) createVault(ctx context.Context, options Options, password []byte) error {
	if err := CheckPasswordPolicy(string(password)); err != nil {
		return err
	}

	salt := options.DerivationSalt
	if len(salt) == 0 {
		var err error
		if salt, err = crypto.RandomBytes(misc.SaltSize); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	iterations := int(options.Iterations)
	if iterations == 0 {
		iterations = int(misc.ArgonTime)
	}

	key, err := deriveKey(password, salt, persist.KDFArgon2id, iterations)
	if err != nil {
		return err
	}

	params := &persist.KeyParams{
		Version:    keyParamsVersion,
		KDF:        persist.KDFArgon2id,
		Salt:       salt,
		Iterations: iterations,
		UpdatedAt:  time.Now().UTC(),
	}
	if err = s.store.WriteKeyParams(ctx, params); err != nil {
		return &PersistenceError{Op: "write key parameters", Err: err}
	}

	canaryData, err := sealAndEncode(canaryRecords(), key)
	if err != nil {
		return err
	}
	if err = s.store.WriteBlob(ctx, canaryBlobName, canaryData); err != nil {
		return &PersistenceError{Op: "write", Name: canaryBlobName, Err: err}
	}

	s.masterKeyEnclave = key
	s.saltEnclave = memguard.NewEnclave(append([]byte(nil), salt...))
	s.kdf = persist.KDFArgon2id
	s.iterations = iterations

	s.logAudit("vault_created", nil, map[string]interface{}{"kdf": s.kdf})
	return nil
}

// verifyMasterKey proves the session key is correct by opening the canary
// blob, falling back to any real collection for vaults written before the
// canary existed. A vault with key parameters but no blobs at all is
// accepted and gains a canary immediately.
func (s *Session) verifyMasterKey(ctx context.Context) error {
	data, err := s.store.ReadBlob(ctx, canaryBlobName)
	if err == nil {
		return s.checkCanary(data)
	}
	if !errors.Is(err, persist.ErrBlobNotFound) {
		return &PersistenceError{Op: "read", Name: canaryBlobName, Err: err}
	}

	names, err := s.store.ListBlobs(ctx)
	if err != nil {
		return &PersistenceError{Op: "list", Err: err}
	}
	sort.Strings(names)
	for _, name := range names {
		if name == canaryBlobName {
			continue
		}
		// An unreadable blob means the key cannot be verified; a canary
		// minted here would be sealed under an unproven key and lock the
		// vault against the real password on every later open.
		raw, rerr := s.store.ReadBlob(ctx, name)
		if rerr != nil {
			return &PersistenceError{Op: "read", Name: name, Err: rerr}
		}
		blob, derr := decodeBlob(raw)
		if derr != nil {
			return derr
		}
		if _, oerr := openRecords(blob, s.masterKeyEnclave); oerr != nil {
			return &AuthenticationError{}
		}
		break
	}

	canaryData, err := sealAndEncode(canaryRecords(), s.masterKeyEnclave)
	if err != nil {
		return err
	}
	if err = s.store.WriteBlob(ctx, canaryBlobName, canaryData); err != nil {
		return &PersistenceError{Op: "write", Name: canaryBlobName, Err: err}
	}
	return nil
}

func (s *Session) checkCanary(data []byte) error {
	blob, err := decodeBlob(data)
	if err != nil {
		return err
	}
	if _, err = openRecords(blob, s.masterKeyEnclave); err != nil {
		var unsupported *UnsupportedVersionError
		if errors.As(err, &unsupported) {
			return err
		}
		return &AuthenticationError{}
	}
	return nil
}

// deriveKey stretches a password into the master key with the vault's KDF
// and seals it into an enclave.
func deriveKey(password []byte, salt []byte, kdf string, iterations int) (*memguard.Enclave, error) {
	var (
		buffer *memguard.LockedBuffer
		err    error
	)
	switch kdf {
	case persist.KDFArgon2id:
		buffer, err = crypto.DeriveKey(password, salt, uint32(iterations))
	case persist.KDFPBKDF2:
		buffer, err = crypto.DeriveKeyPBKDF2(password, salt, iterations)
	default:
		return nil, &ValidationError{Field: "kdf", Reason: fmt.Sprintf("unknown key derivation function %q", kdf)}
	}
	if err != nil {
		if errors.Is(err, crypto.ErrBadSaltLength) {
			return nil, &ValidationError{Field: "salt", Reason: err.Error()}
		}
		return nil, err
	}
	return buffer.Seal(), nil
}

func sealAndEncode(records []Record, key *memguard.Enclave) ([]byte, error) {
	blob, err := sealRecords(records, key)
	if err != nil {
		return nil, err
	}
	return encodeBlob(blob)
}

// Collections lists the names of the vault's record collections, sorted.
// Engine-internal blobs are excluded.
func (s *Session) Collections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &ValidationError{Reason: "session is closed"}
	}
	names, err := s.store.ListBlobs(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	out := names[:0]
	for _, name := range names {
		if name == canaryBlobName {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// RegisterMigration declares the legacy-shape normalization for a collection.
// Registrations replace any previous migration for the same name.
func (s *Session) RegisterMigration(name string, m Migration) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrations[name] = m
	return nil
}

// MemoryProtection reports the memory protection level achieved at startup.
func (s *Session) MemoryProtection() string {
	return s.memoryProtection.String()
}

// KDF reports the key derivation function of the open vault.
func (s *Session) KDF() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kdf
}

// Audit returns the session's audit logger.
func (s *Session) Audit() audit.Logger {
	return s.audit
}

// Close wipes the session's key material, drops the decrypted working set
// and releases the storage backend. The session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Dropping the enclave references is all memguard needs; the backing
	// pages are wiped when the enclaves are collected, and immediately on
	// interrupt via the handler installed in init.
	s.masterKeyEnclave = nil
	s.saltEnclave = nil
	s.cache = nil

	var errs []error
	if s.memoryProtection > mem.ProtectionNone {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	s.logAudit("session_close", nil, nil)
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	return errors.Join(errs...)
}

// logAudit records an operation outcome. Audit is best effort: a failing
// logger never masks or alters the engine's own result.
func (s *Session) logAudit(action string, opErr error, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if s.userID != "" {
		metadata["user_id"] = s.userID
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	_ = s.audit.Log(action, opErr == nil, metadata)
}

// withRetry retries transient persistence writes with exponential backoff,
// honoring context cancellation between attempts.
func (s *Session) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.retry.BaseDelay
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if delay > s.retry.MaxDelay {
				delay = s.retry.MaxDelay
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
