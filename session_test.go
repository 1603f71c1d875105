package keepsafe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"southwinds.dev/keepsafe/internal/misc"
	"southwinds.dev/keepsafe/persist"
)

// readFailStore fails reads of one named blob to exercise verification
// behavior against a faulty backend.
type readFailStore struct {
	persist.Store
	failName string
}

func (r *readFailStore) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	if name == r.failName {
		return nil, fmt.Errorf("injected read failure for %s", name)
	}
	return r.Store.ReadBlob(ctx, name)
}

func TestNewSessionCreatesVault(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, dir, testPassword)

	if kdf := s.KDF(); kdf != "argon2id" {
		t.Errorf("expected new vault on argon2id, got %s", kdf)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A created vault immediately has its verification blob: reopening
	// with the right password succeeds without any collection present.
	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	names, err := reopened.Collections(context.Background())
	if err != nil {
		t.Fatalf("collections: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("fresh vault should expose no collections, got %v", names)
	}
}

func TestNewSessionRejectsWeakPassword(t *testing.T) {
	_, err := NewWithStore(context.Background(), Options{MasterPassword: "short"}, newTestStore(t, t.TempDir()), nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for weak password, got %v", err)
	}
}

func TestNewSessionWrongPassword(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, dir, testPassword)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := NewWithStore(context.Background(), Options{MasterPassword: "wrongPW999!"}, newTestStore(t, dir), nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestNewSessionPasswordFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, dir, testPassword)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	t.Setenv("KEEPSAFE_TEST_PASSWORD", testPassword)
	reopened, err := NewWithStore(context.Background(), Options{EnvPassphraseVar: "KEEPSAFE_TEST_PASSWORD"}, newTestStore(t, dir), nil)
	if err != nil {
		t.Fatalf("open with env password: %v", err)
	}
	defer reopened.Close()
}

func TestNewSessionMissingPassword(t *testing.T) {
	_, err := NewWithStore(context.Background(), Options{}, newTestStore(t, t.TempDir()), nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error when no password source is set, got %v", err)
	}
}

func TestCollectionsExcludesInternalBlobs(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	defer s.Close()

	ctx := context.Background()
	if err := s.Add(ctx, "notes", Record{"id": "n1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	names, err := s.Collections(ctx)
	if err != nil {
		t.Fatalf("collections: %v", err)
	}
	if len(names) != 1 || names[0] != "notes" {
		t.Errorf("expected only user collections, got %v", names)
	}
}

func TestRegisterMigrationValidatesName(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	defer s.Close()

	if err := s.RegisterMigration("bad/name", FinanceItemsMigration); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	ctx := context.Background()
	if _, err := s.Get(ctx, "notes"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected closed-session error from Get, got %v", err)
	}
	if err := s.Add(ctx, "notes", Record{"id": "n1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected closed-session error from Add, got %v", err)
	}
}

func TestVerifyFallbackSurfacesReadFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	if err := s.Add(ctx, "notes", Record{"id": "n1", "text": "hello"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A vault from before the verification blob existed, on a backend that
	// cannot read the only real collection.
	base := newTestStore(t, dir)
	if err := base.DeleteBlob(ctx, canaryBlobName); err != nil {
		t.Fatalf("delete canary: %v", err)
	}

	_, err := NewWithStore(ctx, Options{MasterPassword: "wrongPW999!"},
		&readFailStore{Store: base, failName: "notes"}, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error when verification cannot read any blob, got %v", err)
	}

	// No verification blob may have been minted under the unproven key: the
	// correct password must still open the vault.
	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	records, err := reopened.Get(ctx, "notes")
	if err != nil {
		t.Fatalf("get after failed open attempt: %v", err)
	}
	if len(records) != 1 || records[0]["text"] != "hello" {
		t.Errorf("content lost, got %v", records)
	}
}

func TestVerifyFallbackRejectsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	if err := s.Add(ctx, "notes", Record{"id": "n1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	base := newTestStore(t, dir)
	if err := base.DeleteBlob(ctx, canaryBlobName); err != nil {
		t.Fatalf("delete canary: %v", err)
	}

	// Without a canary the key is proved against a real collection.
	_, err := NewWithStore(ctx, Options{MasterPassword: "wrongPW999!"}, base, nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}

	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	if _, err = reopened.Get(ctx, "notes"); err != nil {
		t.Errorf("get with correct password: %v", err)
	}
}

func TestLegacyPBKDF2VaultOpensAndUpgrades(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := newTestStore(t, dir)

	// A vault written by an older build: PBKDF2 parameters and no
	// verification blob yet.
	params := &persist.KeyParams{
		Version:    1,
		KDF:        persist.KDFPBKDF2,
		Salt:       []byte("0123456789abcdef"),
		Iterations: 10_000,
	}
	if err := store.WriteKeyParams(ctx, params); err != nil {
		t.Fatalf("write legacy key parameters: %v", err)
	}

	s, err := NewWithStore(ctx, Options{MasterPassword: testPassword}, store, nil)
	if err != nil {
		t.Fatalf("open legacy vault: %v", err)
	}
	if kdf := s.KDF(); kdf != persist.KDFPBKDF2 {
		t.Errorf("expected pbkdf2 before rotation, got %s", kdf)
	}
	if err = s.Add(ctx, "notes", Record{"id": "n1"}); err != nil {
		t.Fatalf("add under pbkdf2 key: %v", err)
	}

	// Rotation moves the vault to argon2id; the pbkdf2 iteration count
	// does not carry over.
	if err = s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}
	rotated, err := store.ReadKeyParams(ctx)
	if err != nil {
		t.Fatalf("read key parameters: %v", err)
	}
	if rotated.Iterations != int(misc.ArgonTime) {
		t.Errorf("expected default argon2id time parameter, got %d", rotated.Iterations)
	}
	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestSession(t, dir, newTestPassword)
	defer reopened.Close()
	if kdf := reopened.KDF(); kdf != persist.KDFArgon2id {
		t.Errorf("expected argon2id after rotation, got %s", kdf)
	}
	records, err := reopened.Get(ctx, "notes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected record to survive the kdf upgrade, got %v", records)
	}
}

func TestDeterministicSaltReproducesKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewWithStore(ctx, Options{
		MasterPassword: testPassword,
		DerivationSalt: append([]byte(nil), salt...),
	}, newTestStore(t, dir), nil)
	if err != nil {
		t.Fatalf("open with pinned salt: %v", err)
	}
	if err = s.Add(ctx, "notes", Record{"id": "n1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	records, err := reopened.Get(ctx, "notes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected record written under pinned salt, got %v", records)
	}
}
