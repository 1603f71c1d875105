package persist

import (
	"context"
	"fmt"
)

// NewStore builds a Store from configuration. Unknown types fail rather
// than defaulting, so a typo in a config file cannot silently select a
// different backend for an existing vault.
func NewStore(ctx context.Context, config StoreConfig) (Store, error) {
	switch config.Type {
	case FileSystemStoreType, "":
		return NewFileSystemStore(config.Path)
	case BoltStoreType:
		return NewBoltStore(config.Path)
	case S3StoreType:
		if config.S3 == nil {
			return nil, fmt.Errorf("s3 store requires an s3 configuration block")
		}
		return NewS3Store(ctx, *config.S3)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
