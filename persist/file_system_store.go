package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	blobDirName       = "blobs"
	blobFileExt       = ".blob"
	keyParamsFileName = "keyparams.json"

	filePermissions = 0600
	dirPermissions  = 0700
)

// FileSystemStore keeps one file per collection blob under a base directory,
// plus one key-parameters file. All writes go through a temp-file-and-rename
// sequence so a crash mid-write leaves either the old bytes or the new bytes
// on disk, never a torn file.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates (if needed) the vault directory layout under
// basePath and returns a store over it.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err = os.MkdirAll(filepath.Join(abs, blobDirName), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileSystemStore{basePath: abs}, nil
}

func (fs *FileSystemStore) blobPath(name string) string {
	return filepath.Join(fs.basePath, blobDirName, name+blobFileExt)
}

func (fs *FileSystemStore) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.blobPath(name))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return data, nil
}

func (fs *FileSystemStore) WriteBlob(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeSecureFile(fs.blobPath(name), data, filePermissions)
}

func (fs *FileSystemStore) DeleteBlob(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(fs.blobPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) ListBlobs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(fs.basePath, blobDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), blobFileExt))
	}
	return names, nil
}

func (fs *FileSystemStore) ReadKeyParams(ctx context.Context) (*KeyParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(fs.basePath, keyParamsFileName))
	if os.IsNotExist(err) {
		return nil, ErrNoKeyParams
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key parameters: %w", err)
	}
	var params KeyParams
	if err = json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse key parameters: %w", err)
	}
	return &params, nil
}

func (fs *FileSystemStore) WriteKeyParams(ctx context.Context, params *KeyParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode key parameters: %w", err)
	}
	return writeSecureFile(filepath.Join(fs.basePath, keyParamsFileName), data, filePermissions)
}

func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Type() string { return string(FileSystemStoreType) }

func (fs *FileSystemStore) Close() error { return nil }

// writeSecureFile writes data to a temp file in the target directory, fsyncs
// it, fixes permissions, and renames it over the destination.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
