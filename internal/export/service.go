// Package export publishes dictionary snapshots to S3-compatible object
// storage so Rime clients can fetch released tables without git access.
package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrDisabled indicates snapshot export is not configured.
var ErrDisabled = errors.New("export disabled")

// Snapshot describes one stored dictionary snapshot.
type Snapshot struct {
	ObjectName string    `json:"objectName"`
	Size       int64     `json:"size"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Service uploads rendered dictionary tables to a bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// NewService builds the exporter. An empty endpoint disables it; callers
// get a non-nil Service whose methods return ErrDisabled.
func NewService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	if endpoint == "" {
		return &Service{}, nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// Enabled reports whether snapshot export is configured.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// EnsureBucket creates the snapshot bucket if it does not exist.
func (s *Service) EnsureBucket(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadSnapshot stores a rendered .dict.yaml for the given merge commit
// and returns the object name.
func (s *Service) UploadSnapshot(ctx context.Context, schemaID, commitHash, dictText string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	objectName := SnapshotObjectName(schemaID, commitHash, time.Now())
	reader := strings.NewReader(dictText)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/yaml; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", objectName, err)
	}
	return objectName, nil
}

// UploadSnapshotAsync uploads in the background; merge must not wait on
// object storage.
func (s *Service) UploadSnapshotAsync(schemaID, commitHash, dictText string) {
	if !s.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.UploadSnapshot(ctx, schemaID, commitHash, dictText); err != nil {
			log.Printf("export: snapshot upload for %s@%s failed: %v", schemaID, commitHash, err)
		}
	}()
}

// SnapshotURL returns a presigned download link valid for 24 hours.
func (s *Service) SnapshotURL(ctx context.Context, objectName string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign snapshot %s: %w", objectName, err)
	}
	return url.String(), nil
}

// ListSnapshots returns the stored snapshots of one schema, newest last.
func (s *Service) ListSnapshots(ctx context.Context, schemaID string) ([]Snapshot, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	prefix := "snapshots/" + schemaID + "/"
	snapshots := make([]Snapshot, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list snapshots %s: %w", prefix, object.Err)
		}
		snapshots = append(snapshots, Snapshot{
			ObjectName: object.Key,
			Size:       object.Size,
			UpdatedAt:  object.LastModified,
		})
	}
	return snapshots, nil
}

// SnapshotObjectName builds the bucket key for a snapshot. Keys sort
// chronologically within a schema prefix.
func SnapshotObjectName(schemaID, commitHash string, at time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s-%s.dict.yaml", schemaID, at.UTC().Format("20060102T150405"), commitHash)
}
