package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	s3BlobPrefix    = "blobs/"
	s3KeyParamsName = "keyparams.json"
	s3ContentType   = "application/octet-stream"
)

// S3Config configures an S3-compatible object storage backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	Region          string `json:"region,omitempty"`
	UseSSL          bool   `json:"use_ssl"`
	// Prefix namespaces every object so several vaults can share a bucket.
	Prefix string `json:"prefix,omitempty"`
}

// S3Store persists vault blobs in S3-compatible object storage via minio.
// Object writes are atomic at the object level, which is all the engine
// needs; the rotation coordinator handles cross-blob consistency above.
type S3Store struct {
	client *minio.Client
	config S3Config
}

// NewS3Store connects to the configured endpoint and ensures the bucket
// exists before returning the store.
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if config.Endpoint == "" || config.BucketName == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket name are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	s3s := &S3Store{client: client, config: config}
	if err = s3s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s3s, nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.config.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.config.BucketName, minio.MakeBucketOptions{Region: s3s.config.Region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) objectName(components ...string) string {
	parts := append([]string{s3s.config.Prefix}, components...)
	return path.Join(parts...)
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}

func (s3s *S3Store) getObject(ctx context.Context, name string) ([]byte, error) {
	obj, err := s3s.client.GetObject(ctx, s3s.config.BucketName, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) putObject(ctx context.Context, name string, data []byte) error {
	_, err := s3s.client.PutObject(ctx, s3s.config.BucketName, name,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: s3ContentType})
	return err
}

func (s3s *S3Store) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	data, err := s3s.getObject(ctx, s3s.objectName(s3BlobPrefix+name+blobFileExt))
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return data, nil
}

func (s3s *S3Store) WriteBlob(ctx context.Context, name string, data []byte) error {
	if err := s3s.putObject(ctx, s3s.objectName(s3BlobPrefix+name+blobFileExt), data); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) DeleteBlob(ctx context.Context, name string) error {
	err := s3s.client.RemoveObject(ctx, s3s.config.BucketName,
		s3s.objectName(s3BlobPrefix+name+blobFileExt), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete blob %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) ListBlobs(ctx context.Context) ([]string, error) {
	prefix := s3s.objectName(s3BlobPrefix)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var names []string
	for object := range s3s.client.ListObjects(ctx, s3s.config.BucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, blobFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, blobFileExt))
	}
	return names, nil
}

func (s3s *S3Store) ReadKeyParams(ctx context.Context) (*KeyParams, error) {
	data, err := s3s.getObject(ctx, s3s.objectName(s3KeyParamsName))
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNoKeyParams
		}
		return nil, fmt.Errorf("failed to read key parameters: %w", err)
	}
	var params KeyParams
	if err = json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse key parameters: %w", err)
	}
	return &params, nil
}

func (s3s *S3Store) WriteKeyParams(ctx context.Context, params *KeyParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode key parameters: %w", err)
	}
	if err = s3s.putObject(ctx, s3s.objectName(s3KeyParamsName), data); err != nil {
		return fmt.Errorf("failed to write key parameters: %w", err)
	}
	return nil
}

func (s3s *S3Store) Ping(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.config.BucketName)
	if err != nil {
		return fmt.Errorf("s3 backend not reachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.config.BucketName)
	}
	return nil
}

func (s3s *S3Store) Type() string { return string(S3StoreType) }

func (s3s *S3Store) Close() error { return nil }
