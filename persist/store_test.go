package persist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test the common Store functionality against any backend.
func testStoreImplementation(t *testing.T, store Store) {
	ctx := context.Background()

	blobData := []byte("sealed-collection-bytes")
	updatedData := []byte("resealed-collection-bytes")
	params := &KeyParams{
		Version:    1,
		KDF:        KDFArgon2id,
		Salt:       []byte("0123456789abcdef"),
		Iterations: 4,
		UpdatedAt:  time.Now().UTC(),
	}

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx), "Store should be reachable")
	})

	t.Run("Type", func(t *testing.T) {
		assert.NotEmpty(t, store.Type(), "Store type should not be empty")
		t.Logf("Store type: %s", store.Type())
	})

	t.Run("ReadMissingBlob", func(t *testing.T) {
		_, err := store.ReadBlob(ctx, "never-written")
		assert.ErrorIs(t, err, ErrBlobNotFound)
	})

	t.Run("ReadMissingKeyParams", func(t *testing.T) {
		_, err := store.ReadKeyParams(ctx)
		assert.ErrorIs(t, err, ErrNoKeyParams)
	})

	t.Run("WriteAndReadBlob", func(t *testing.T) {
		require.NoError(t, store.WriteBlob(ctx, "accounts", blobData))
		data, err := store.ReadBlob(ctx, "accounts")
		require.NoError(t, err)
		assert.Equal(t, blobData, data, "Loaded blob should match saved blob")
	})

	t.Run("OverwriteBlob", func(t *testing.T) {
		require.NoError(t, store.WriteBlob(ctx, "accounts", updatedData))
		data, err := store.ReadBlob(ctx, "accounts")
		require.NoError(t, err)
		assert.Equal(t, updatedData, data, "Read should observe the latest write")
	})

	t.Run("ListBlobs", func(t *testing.T) {
		require.NoError(t, store.WriteBlob(ctx, ".canary", []byte("canary")))
		require.NoError(t, store.WriteBlob(ctx, "notes", []byte("notes-bytes")))

		names, err := store.ListBlobs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{".canary", "accounts", "notes"}, names,
			"Listing should include internal blobs")
	})

	t.Run("WriteAndReadKeyParams", func(t *testing.T) {
		require.NoError(t, store.WriteKeyParams(ctx, params))
		loaded, err := store.ReadKeyParams(ctx)
		require.NoError(t, err)
		assert.Equal(t, params.Version, loaded.Version)
		assert.Equal(t, params.KDF, loaded.KDF)
		assert.Equal(t, params.Salt, loaded.Salt)
		assert.Equal(t, params.Iterations, loaded.Iterations)
	})

	t.Run("KeyParamsNotListedAsBlob", func(t *testing.T) {
		names, err := store.ListBlobs(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "keyparams", "Key parameters are not a blob")
	})

	t.Run("DeleteBlob", func(t *testing.T) {
		require.NoError(t, store.DeleteBlob(ctx, "notes"))
		_, err := store.ReadBlob(ctx, "notes")
		assert.ErrorIs(t, err, ErrBlobNotFound)
	})

	t.Run("DeleteMissingBlob", func(t *testing.T) {
		assert.NoError(t, store.DeleteBlob(ctx, "never-written"),
			"Deleting a missing blob should not be an error")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.ReadBlob(cancelled, "accounts")
		assert.Error(t, err, "Operations should honor context cancellation")
	})
}
