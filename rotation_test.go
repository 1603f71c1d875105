package keepsafe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"southwinds.dev/keepsafe/persist"
)

const newTestPassword = "newPW456!"

func seedCollections(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	if err := s.Add(ctx, "finance_items", Record{"id": "1", "name": "ISA", "currentValue": "5000"}); err != nil {
		t.Fatalf("seed finance_items: %v", err)
	}
	if err := s.Add(ctx, "notes", Record{"id": "n1", "text": "hello"}); err != nil {
		t.Fatalf("seed notes: %v", err)
	}
}

func TestChangePasswordPreservesContent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	seedCollections(t, s)

	if err := s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if state := s.RotationStatus(); state != RotationIdle {
		t.Errorf("expected rotation state idle after success, got %s", state)
	}

	// The live session keeps working under the new key.
	records, err := s.Get(ctx, "notes")
	if err != nil {
		t.Fatalf("get after rotation: %v", err)
	}
	if len(records) != 1 || records[0]["text"] != "hello" {
		t.Errorf("content changed across rotation: %v", records)
	}
	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The old password no longer opens the vault.
	_, err = NewWithStore(ctx, Options{MasterPassword: testPassword}, newTestStore(t, dir), nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected old password to be rejected, got %v", err)
	}

	// The new one does, with all content intact.
	reopened := newTestSession(t, dir, newTestPassword)
	defer reopened.Close()
	records, err = reopened.Get(ctx, "finance_items")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if len(records) != 1 || records[0]["currentValue"] != "5000" {
		t.Errorf("content lost across rotation: %v", records)
	}
}

func TestChangePasswordUpgradesKDF(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	defer s.Close()

	if err := s.ChangePassword(context.Background(), testPassword, newTestPassword, newTestPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if kdf := s.KDF(); kdf != persist.KDFArgon2id {
		t.Errorf("expected argon2id after rotation, got %s", kdf)
	}
}

func TestChangePasswordKeepsCustomIterations(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := newTestStore(t, dir)

	s, err := NewWithStore(ctx, Options{MasterPassword: testPassword, Iterations: 6}, store, nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err = s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}

	params, err := store.ReadKeyParams(ctx)
	if err != nil {
		t.Fatalf("read key parameters: %v", err)
	}
	if params.Iterations != 6 {
		t.Errorf("expected rotation to keep the vault's time parameter 6, got %d", params.Iterations)
	}
	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestSession(t, dir, newTestPassword)
	defer reopened.Close()
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	defer s.Close()
	seedCollections(t, s)

	before := readAllBlobs(t, ctx, s.store)

	err := s.ChangePassword(ctx, "wrongPW999!", newTestPassword, newTestPassword)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if state := s.RotationStatus(); state != RotationIdle {
		t.Errorf("expected rotation state idle after rejection, got %s", state)
	}

	after := readAllBlobs(t, ctx, s.store)
	assertBlobsEqual(t, before, after)

	// The session remains usable under the original key.
	if _, err = s.Get(ctx, "notes"); err != nil {
		t.Errorf("get after rejected rotation: %v", err)
	}
}

func TestChangePasswordPreconditions(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	defer s.Close()
	ctx := context.Background()

	tests := []struct {
		name             string
		newPass, confirm string
	}{
		{"too short", "aB1!", "aB1!"},
		{"same as old", testPassword, testPassword},
		{"confirmation mismatch", newTestPassword, "different123!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ChangePassword(ctx, testPassword, tt.newPass, tt.confirm)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestChangePasswordHonorsCancellation(t *testing.T) {
	s := newTestSession(t, t.TempDir(), testPassword)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// blobFailStore fails writes of one named blob to force a mid-commit abort;
// every other operation, including rollback restores of other blobs, goes
// through.
type blobFailStore struct {
	persist.Store
	failName string
}

func (b *blobFailStore) WriteBlob(ctx context.Context, name string, data []byte) error {
	if name == b.failName {
		return fmt.Errorf("injected write failure for %s", name)
	}
	return b.Store.WriteBlob(ctx, name, data)
}

// paramsFailStore fails the key-parameters write, aborting a rotation at the
// commit point after every blob has already been replaced.
type paramsFailStore struct {
	persist.Store
}

func (p *paramsFailStore) WriteKeyParams(ctx context.Context, params *persist.KeyParams) error {
	return errors.New("injected key parameters write failure")
}

func TestChangePasswordRollsBackOnBlobWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	seedCollections(t, s)

	before := readAllBlobs(t, ctx, s.store)

	// "notes" sorts after ".canary" and "finance_items", so the failure
	// happens once earlier blobs have been rewritten under the new key.
	s.store = &blobFailStore{Store: s.store, failName: "notes"}
	err := s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	after := readAllBlobs(t, ctx, s.store)
	assertBlobsEqual(t, before, after)

	// The store is intact on the old key, so a fresh session opens with the
	// old password.
	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	records, err := reopened.Get(ctx, "notes")
	if err != nil {
		t.Fatalf("get after rolled-back rotation: %v", err)
	}
	if len(records) != 1 || records[0]["text"] != "hello" {
		t.Errorf("content lost in rollback: %v", records)
	}
}

func TestChangePasswordRollsBackOnKeyParamsWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestSession(t, dir, testPassword)
	seedCollections(t, s)

	before := readAllBlobs(t, ctx, s.store)

	s.store = &paramsFailStore{Store: s.store}
	err := s.ChangePassword(ctx, testPassword, newTestPassword, newTestPassword)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	after := readAllBlobs(t, ctx, s.store)
	assertBlobsEqual(t, before, after)

	if err = s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened := newTestSession(t, dir, testPassword)
	defer reopened.Close()
	if _, err = reopened.Get(ctx, "finance_items"); err != nil {
		t.Errorf("get after rolled-back rotation: %v", err)
	}
}

func readAllBlobs(t *testing.T, ctx context.Context, store persist.Store) map[string][]byte {
	t.Helper()
	names, err := store.ListBlobs(ctx)
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	blobs := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := store.ReadBlob(ctx, name)
		if err != nil {
			t.Fatalf("read blob %s: %v", name, err)
		}
		blobs[name] = data
	}
	return blobs
}

func assertBlobsEqual(t *testing.T, before, after map[string][]byte) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("blob set changed: %d before, %d after", len(before), len(after))
	}
	for name, want := range before {
		got, ok := after[name]
		if !ok {
			t.Fatalf("blob %s disappeared", name)
		}
		if string(got) != string(want) {
			t.Errorf("blob %s was modified", name)
		}
	}
}
