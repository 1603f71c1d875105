package keepsafe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
	"southwinds.dev/keepsafe/internal/crypto"
	"southwinds.dev/keepsafe/internal/misc"
	"southwinds.dev/keepsafe/persist"
)

const exportVersion = 1

// exportArchive is the plaintext payload of an export file before it is
// sealed in a passphrase envelope.
type exportArchive struct {
	Version     int                 `yaml:"version"`
	CreatedAt   time.Time           `yaml:"createdAt"`
	Collections map[string][]Record `yaml:"collections"`
}

// Export writes every collection, decrypted, into a single file encrypted
// under a standalone passphrase (PBKDF2 envelope, independent of the master
// key), so an archive remains readable after any number of password
// rotations. The export passphrase is held to the same strength policy as
// the master password.
func (s *Session) Export(ctx context.Context, path string, passphrase string) error {
	if err := CheckPasswordPolicy(passphrase); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}

	names, err := s.store.ListBlobs(ctx)
	if err != nil {
		return &PersistenceError{Op: "list", Err: err}
	}

	archive := exportArchive{
		Version:     exportVersion,
		CreatedAt:   time.Now().UTC(),
		Collections: make(map[string][]Record, len(names)),
	}
	for _, name := range names {
		if name == canaryBlobName {
			continue
		}
		records, lerr := s.ensureLoadedLocked(ctx, name)
		if lerr != nil {
			s.logAudit("export", lerr, map[string]interface{}{"collection": name})
			return lerr
		}
		archive.Collections[name] = cloneRecords(records)
	}

	plaintext, err := yaml.Marshal(&archive)
	if err != nil {
		return fmt.Errorf("failed to serialize export: %w", err)
	}

	sealed, err := crypto.EncryptWithPassphrase(plaintext, passphrase)
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, sealed, misc.FilePermissions); err != nil {
		err = &PersistenceError{Op: "export", Name: path, Err: err}
		s.logAudit("export", err, nil)
		return err
	}

	s.logAudit("export", nil, map[string]interface{}{"collections": len(archive.Collections)})
	return nil
}

// Import restores an export archive into the vault under the current master
// key, replacing any collection that shares a name with an archived one.
// Collections present only in the vault are left alone. The restore is
// all-or-nothing: names are validated and the new blobs sealed before any
// write, and a mid-commit write failure restores every blob already
// replaced, leaving the vault as it was.
func (s *Session) Import(ctx context.Context, path string, passphrase string) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return &PersistenceError{Op: "import", Name: path, Err: err}
	}

	plaintext, err := crypto.DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		return &DecryptionError{Err: err}
	}

	var archive exportArchive
	if err = yaml.Unmarshal(plaintext, &archive); err != nil {
		return &DecryptionError{Err: fmt.Errorf("malformed export archive: %w", err)}
	}
	if archive.Version > exportVersion {
		return &UnsupportedVersionError{Version: archive.Version}
	}

	names := make([]string, 0, len(archive.Collections))
	for name := range archive.Collections {
		if err = validateCollectionName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}

	newBlobs := make(map[string][]byte, len(names))
	for _, name := range names {
		data, serr := sealAndEncode(archive.Collections[name], s.masterKeyEnclave)
		if serr != nil {
			return serr
		}
		newBlobs[name] = data
	}

	// Pre-commit backup of every blob the restore will replace.
	backup := make(map[string][]byte, len(names))
	for _, name := range names {
		raw, rerr := s.store.ReadBlob(ctx, name)
		if errors.Is(rerr, persist.ErrBlobNotFound) {
			continue
		}
		if rerr != nil {
			return &PersistenceError{Op: "read", Name: name, Err: rerr}
		}
		backup[name] = raw
	}

	var written []string
	for _, name := range names {
		if werr := s.store.WriteBlob(ctx, name, newBlobs[name]); werr != nil {
			s.restoreBlobs(written, backup)
			err = &PersistenceError{Op: "write", Name: name, Err: werr}
			s.logAudit("import", err, map[string]interface{}{"collection": name})
			return err
		}
		written = append(written, name)
	}

	for _, name := range names {
		s.cache[name] = cloneRecords(archive.Collections[name])
	}

	s.logAudit("import", nil, map[string]interface{}{"collections": len(names)})
	return nil
}
