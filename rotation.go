package keepsafe

import (
	"context"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/keepsafe/internal/crypto"
	"southwinds.dev/keepsafe/internal/misc"
	"southwinds.dev/keepsafe/persist"
)

// RotationState identifies where a password rotation currently is. The
// machine runs Idle, Verifying, Decrypting, ReEncrypting, Committing, Idle;
// an early rejection passes through Failed on its way back to Idle.
type RotationState int32

const (
	RotationIdle RotationState = iota
	RotationVerifying
	RotationDecrypting
	RotationReEncrypting
	RotationCommitting
	RotationFailed
)

func (r RotationState) String() string {
	switch r {
	case RotationVerifying:
		return "verifying"
	case RotationDecrypting:
		return "decrypting"
	case RotationReEncrypting:
		return "re-encrypting"
	case RotationCommitting:
		return "committing"
	case RotationFailed:
		return "failed"
	default:
		return "idle"
	}
}

// RotationStatus reports the state of any in-flight password rotation.
func (s *Session) RotationStatus() RotationState {
	return RotationState(s.rotationState.Load())
}

func (s *Session) setRotationState(state RotationState) {
	s.rotationState.Store(int32(state))
}

// ChangePassword atomically re-encrypts every collection under a key derived
// from the new password.
//
// OPERATION FLOW:
//  1. Validation: the new password must be at least 8 characters, differ
//     from the old one, score Fair or better, and match the confirmation.
//     All checks run before any cryptographic work.
//  2. Verifying: a key derived from the old password and the stored salt is
//     checked against the canary blob. A mismatch is AuthenticationError
//     and no persisted state has been touched.
//  3. Decrypting: every collection blob is opened under the old key into an
//     in-memory snapshot, and the raw blob bytes are kept as the pre-commit
//     backup. Any failure aborts the whole operation.
//  4. ReEncrypting: a fresh salt is generated, an Argon2id key is derived
//     from the new password (vaults still on PBKDF2 upgrade here), and
//     every snapshot collection is resealed in memory only.
//  5. Committing: the new blobs are written first and the key-parameters
//     record last. If any write fails, every blob already replaced is
//     restored from the backup, leaving the store entirely on the old key.
//     Only after full success does the session swap its key material and
//     drop the old key bytes.
//
// While the rotation is in flight, all CRUD calls queue behind the session
// write lock so no write can be sealed under a superseded key. The rotation
// honors context cancellation before Decrypting begins and is not
// cancellable afterwards.
func (s *Session) ChangePassword(ctx context.Context, oldPassword, newPassword, confirm string) error {
	if len(newPassword) < MinPasswordLength {
		return &ValidationError{Field: "password", Reason: "new password must be at least 8 characters"}
	}
	if newPassword == oldPassword {
		return &ValidationError{Field: "password", Reason: "new password must differ from the current password"}
	}
	if Score(newPassword) < StrengthFair {
		return &ValidationError{Field: "password", Reason: "new password is too weak, add more character variety"}
	}
	if confirm != newPassword {
		return &ValidationError{Field: "confirm", Reason: "confirmation does not match the new password"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}
	defer s.setRotationState(RotationIdle)

	// Verifying
	s.setRotationState(RotationVerifying)
	oldKey, err := s.verifyOldPassword(ctx, oldPassword)
	if err != nil {
		s.setRotationState(RotationFailed)
		s.logAudit("change_password", err, nil)
		return err
	}

	// Last cancellation point: once Decrypting starts the operation runs
	// to completion or rollback.
	if err = ctx.Err(); err != nil {
		return err
	}

	// Decrypting
	s.setRotationState(RotationDecrypting)
	snapshot, backup, err := s.snapshotCollections(ctx, oldKey)
	if err != nil {
		s.logAudit("change_password", err, nil)
		return err
	}

	// ReEncrypting
	s.setRotationState(RotationReEncrypting)
	newSalt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return err
	}
	// Keep the vault's own Argon2id time parameter; a PBKDF2 iteration
	// count does not translate and resets to the default.
	iterations := s.iterations
	if s.kdf != persist.KDFArgon2id || iterations <= 0 {
		iterations = int(misc.ArgonTime)
	}
	newKey, err := deriveKey([]byte(newPassword), newSalt, persist.KDFArgon2id, iterations)
	if err != nil {
		return err
	}

	newBlobs := make(map[string][]byte, len(snapshot)+1)
	for name, records := range snapshot {
		data, serr := sealAndEncode(records, newKey)
		if serr != nil {
			return serr
		}
		newBlobs[name] = data
	}
	canaryData, err := sealAndEncode(canaryRecords(), newKey)
	if err != nil {
		return err
	}
	newBlobs[canaryBlobName] = canaryData

	newParams := &persist.KeyParams{
		Version:    keyParamsVersion,
		KDF:        persist.KDFArgon2id,
		Salt:       newSalt,
		Iterations: iterations,
		UpdatedAt:  time.Now().UTC(),
	}

	// Committing
	s.setRotationState(RotationCommitting)
	if err = s.commitRotation(ctx, newBlobs, newParams, backup); err != nil {
		s.logAudit("change_password", err, nil)
		return err
	}

	// Swap session key material; old enclaves are dropped and their pages
	// wiped by memguard.
	s.masterKeyEnclave = newKey
	s.saltEnclave = memguard.NewEnclave(append([]byte(nil), newSalt...))
	s.kdf = persist.KDFArgon2id
	s.iterations = iterations
	s.cache = snapshot

	s.logAudit("change_password", nil, map[string]interface{}{
		"collections": len(snapshot),
		"kdf":         s.kdf,
	})
	return nil
}

// verifyOldPassword derives a candidate key from the supplied old password
// and the stored parameters and proves it against the canary blob.
func (s *Session) verifyOldPassword(ctx context.Context, oldPassword string) (*memguard.Enclave, error) {
	saltBuffer, err := s.saltEnclave.Open()
	if err != nil {
		return nil, &AuthenticationError{Reason: "failed to access key material"}
	}
	salt := append([]byte(nil), saltBuffer.Bytes()...)
	saltBuffer.Destroy()
	defer memguard.WipeBytes(salt)

	passwordBytes := []byte(oldPassword)
	defer memguard.WipeBytes(passwordBytes)

	candidate, err := deriveKey(passwordBytes, salt, s.kdf, s.iterations)
	if err != nil {
		return nil, err
	}

	data, err := s.store.ReadBlob(ctx, canaryBlobName)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Name: canaryBlobName, Err: err}
	}
	blob, err := decodeBlob(data)
	if err != nil {
		return nil, err
	}
	if _, err = openRecords(blob, candidate); err != nil {
		return nil, &AuthenticationError{}
	}
	return candidate, nil
}

// snapshotCollections opens every collection blob under the old key. It
// returns the decrypted snapshot and the raw blob bytes (canary included)
// that serve as the pre-commit backup.
func (s *Session) snapshotCollections(ctx context.Context, oldKey *memguard.Enclave) (map[string][]Record, map[string][]byte, error) {
	names, err := s.store.ListBlobs(ctx)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "list", Err: err}
	}
	sort.Strings(names)

	snapshot := make(map[string][]Record, len(names))
	backup := make(map[string][]byte, len(names))
	for _, name := range names {
		raw, rerr := s.store.ReadBlob(ctx, name)
		if rerr != nil {
			return nil, nil, &PersistenceError{Op: "read", Name: name, Err: rerr}
		}
		backup[name] = raw

		if name == canaryBlobName {
			continue
		}
		blob, derr := decodeBlob(raw)
		if derr != nil {
			return nil, nil, annotateCollection(derr, name)
		}
		records, oerr := openRecords(blob, oldKey)
		if oerr != nil {
			return nil, nil, annotateCollection(oerr, name)
		}
		snapshot[name] = records
	}
	return snapshot, backup, nil
}

// commitRotation writes the new blobs and finally the new key parameters.
// On any failure it restores every blob it already replaced so the store is
// left entirely on the old key.
func (s *Session) commitRotation(ctx context.Context, newBlobs map[string][]byte, newParams *persist.KeyParams, backup map[string][]byte) error {
	names := make([]string, 0, len(newBlobs))
	for name := range newBlobs {
		names = append(names, name)
	}
	sort.Strings(names)

	var written []string
	for _, name := range names {
		if err := s.store.WriteBlob(ctx, name, newBlobs[name]); err != nil {
			s.restoreBlobs(written, backup)
			return &PersistenceError{Op: "write", Name: name, Err: err}
		}
		written = append(written, name)
	}

	// The key-parameters write is the commit point: until it lands the
	// persisted salt still derives the old key.
	if err := s.store.WriteKeyParams(ctx, newParams); err != nil {
		s.restoreBlobs(written, backup)
		return &PersistenceError{Op: "write key parameters", Err: err}
	}
	return nil
}

// restoreBlobs restores previously committed blob bytes after a partial
// commit failure. Restore failures are logged as critical; the original
// commit error is what the caller surfaces.
func (s *Session) restoreBlobs(written []string, backup map[string][]byte) {
	ctx := context.Background()
	for _, name := range written {
		original, ok := backup[name]
		if !ok {
			// The collection did not exist before rotation; remove
			// the half-committed blob instead.
			if err := s.store.DeleteBlob(ctx, name); err != nil {
				s.logAudit("critical_rotation_rollback_failed", err, map[string]interface{}{"collection": name})
			}
			continue
		}
		if err := s.store.WriteBlob(ctx, name, original); err != nil {
			s.logAudit("critical_rotation_rollback_failed", err, map[string]interface{}{"collection": name})
		}
	}
}
