// Package backup stores pre-migration repository exports in an
// S3-compatible bucket so users keep a copy of their data before the
// migration proper begins.
package backup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// Store uploads repository archives to object storage.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore creates a backup store against the given S3-compatible
// endpoint.
func NewStore(endpoint, bucket, accessKey, secretKey string) (*Store, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid backup endpoint '%s': %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backup endpoint scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backup endpoint '%s': missing hostname", endpoint)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backup client for %s: %w", u.Host, err)
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Put streams a repository export into the bucket and returns the
// object name. size may be -1 when the export length is unknown.
func (s *Store) Put(ctx context.Context, migrationID string, archive io.Reader, size int64) (string, error) {
	object := fmt.Sprintf("%s/repo-%d.car", migrationID, time.Now().Unix())

	info, err := s.client.PutObject(ctx, s.bucket, object, archive, size, minio.PutObjectOptions{
		ContentType: "application/vnd.ipld.car",
	})
	if err != nil {
		return "", fmt.Errorf("failed to store backup object: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": migrationID,
		"object":       object,
		"size":         info.Size,
	}).Info("Stored repository backup")
	return object, nil
}

// Exists reports whether a backup object is present.
func (s *Store) Exists(ctx context.Context, object string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat backup object: %w", err)
	}
	return true, nil
}
