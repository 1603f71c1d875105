package keepsafe

import (
	"context"
	"fmt"
	"testing"

	"southwinds.dev/keepsafe/persist"
)

const testPassword = "oldPW123!"

func newTestStore(t *testing.T, dir string) persist.Store {
	t.Helper()
	store, err := persist.NewFileSystemStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestSession(t *testing.T, dir, password string) *Session {
	t.Helper()
	s, err := NewWithStore(context.Background(), Options{MasterPassword: password}, newTestStore(t, dir), nil)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return s
}

// flakyStore wraps a Store and fails blob writes once failAfter successful
// writes have happened, to exercise commit rollback paths.
type flakyStore struct {
	persist.Store
	writes    int
	failAfter int
}

func (f *flakyStore) WriteBlob(ctx context.Context, name string, data []byte) error {
	if f.writes >= f.failAfter {
		return fmt.Errorf("injected write failure for %s", name)
	}
	f.writes++
	return f.Store.WriteBlob(ctx, name, data)
}
