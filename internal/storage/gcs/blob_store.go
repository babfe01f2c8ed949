// Package gcs uploads error screenshots to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config is the target of a "gs://bucket/prefix" screenshot location.
type Config struct {
	Bucket string
	Prefix string
}

// ParseURI splits "gs://bucket/prefix" into a Config.
func ParseURI(uri string) (Config, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return Config{}, fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Config{}, fmt.Errorf("bucket name is required in %q", uri)
	}
	return Config{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// BlobStore implements crawler.BlobStore on a bucket. The client is owned by
// the caller.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PutObject uploads data in a single request. Objects are create-only, which
// makes the upload safe to retry; an object that already exists is reported
// as stored.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, data []byte) (string, error) {
	name, err := objectName(s.prefix, p)
	if err != nil {
		return "", err
	}
	uri := "gs://" + s.name + "/" + name

	w := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.Metadata = objectMetadata(p)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return uri, nil
		}
		return "", fmt.Errorf("finalize %s: %w", uri, err)
	}
	return uri, nil
}

func objectName(prefix, p string) (string, error) {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p == "" {
		return "", errors.New("path is required")
	}
	if prefix == "" {
		return path.Clean(p), nil
	}
	return path.Join(prefix, p), nil
}

// objectMetadata tags a screenshot with the domain directory it was filed under.
func objectMetadata(p string) map[string]string {
	domain, _, ok := strings.Cut(strings.TrimLeft(p, "/"), "/")
	if !ok || domain == "" {
		return nil
	}
	return map[string]string{"domain": domain}
}
