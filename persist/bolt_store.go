package persist

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	blobsBucket  = []byte("blobs")
	paramsBucket = []byte("params")
	keyParamsKey = []byte("keyparams")
)

// BoltStore keeps the whole vault in a single bbolt database file, which is
// convenient for users who want one movable artifact instead of a directory
// tree. Writes are transactional, so a blob replace is atomic by
// construction.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (creating if needed) a bbolt-backed store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	db, err := bolt.Open(path, filePermissions, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, berr := tx.CreateBucketIfNotExists(blobsBucket); berr != nil {
			return berr
		}
		_, berr := tx.CreateBucketIfNotExists(paramsBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize vault database: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (bs *BoltStore) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get([]byte(name))
		if v == nil {
			return ErrBlobNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (bs *BoltStore) WriteBlob(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(name), data)
	})
}

func (bs *BoltStore) DeleteBlob(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).Delete([]byte(name))
	})
}

func (bs *BoltStore) ListBlobs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return names, nil
}

func (bs *BoltStore) ReadKeyParams(ctx context.Context) (*KeyParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var params *KeyParams
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(paramsBucket).Get(keyParamsKey)
		if v == nil {
			return ErrNoKeyParams
		}
		params = &KeyParams{}
		if jerr := json.Unmarshal(v, params); jerr != nil {
			return fmt.Errorf("failed to parse key parameters: %w", jerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (bs *BoltStore) WriteKeyParams(ctx context.Context, params *KeyParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode key parameters: %w", err)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(paramsBucket).Put(keyParamsKey, data)
	})
}

func (bs *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(blobsBucket) == nil {
			return fmt.Errorf("vault database missing blobs bucket")
		}
		return nil
	})
}

func (bs *BoltStore) Type() string { return string(BoltStoreType) }

func (bs *BoltStore) Close() error { return bs.db.Close() }
