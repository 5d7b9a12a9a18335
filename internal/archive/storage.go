package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/promptwall/backend/internal/wall"
)

var errMissingBucket = errors.New("archive: bucket name required")

// StorageConfig bundles connection settings for the cold-storage backend.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Storage keeps archived epoch snapshots in an S3-compatible object store.
type Storage struct {
	client *minio.Client
	bucket string
}

// NewStorage creates a cold-storage client from the provided settings.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: init client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket makes sure the snapshot bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("archive: check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("archive: make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// PutSnapshot serializes the snapshot and writes it under objectKey.
func (s *Storage) PutSnapshot(ctx context.Context, objectKey string, snapshot wall.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("archive: encode snapshot: %w", err)
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err = s.client.PutObject(ctx, s.bucket, objectKey,
		bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		return fmt.Errorf("archive: put snapshot %s: %w", objectKey, err)
	}
	return nil
}

// GetSnapshot fetches and decodes the snapshot stored under objectKey.
func (s *Storage) GetSnapshot(ctx context.Context, objectKey string) (wall.Snapshot, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return wall.Snapshot{}, fmt.Errorf("archive: get snapshot %s: %w", objectKey, err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return wall.Snapshot{}, fmt.Errorf("archive: read snapshot %s: %w", objectKey, err)
	}
	var snapshot wall.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return wall.Snapshot{}, fmt.Errorf("archive: decode snapshot %s: %w", objectKey, err)
	}
	return snapshot, nil
}

// RemoveSnapshot deletes the object under objectKey. Used to compensate when
// the index write that should follow a snapshot write fails.
func (s *Storage) RemoveSnapshot(ctx context.Context, objectKey string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("archive: remove snapshot %s: %w", objectKey, err)
	}
	return nil
}

// SnapshotKey derives a fresh object key for an epoch archived at ts.
func SnapshotKey(epoch int64, id string, ts time.Time) string {
	return fmt.Sprintf("snapshots/%s/epoch-%d-%s.json", ts.UTC().Format("2006/01"), epoch, id)
}
