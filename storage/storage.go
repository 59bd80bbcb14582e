// Package storage defines the blob-store capability interface the rest of the
// system depends on, together with its S3 adapter, an optional redis
// read-through cache and the bit-exact blob key layout.
package storage

import (
	"context"
	"time"
)

// PutResult reports the outcome of a successful write. SHA256 is the stable
// content hash of the stored bytes (lowercase hex).
type PutResult struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// HeadInfo is the object metadata returned by Head.
type HeadInfo struct {
	ContentLength int64             `json:"contentLength"`
	ContentType   string            `json:"contentType"`
	LastModified  time.Time         `json:"lastModified"`
	ETag          string            `json:"etag"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ListOptions pages a prefix listing.
type ListOptions struct {
	MaxKeys           int32
	ContinuationToken string
}

// ListResult is one page of keys. NextToken is empty on the last page.
type ListResult struct {
	Keys      []string
	NextToken string
}

// Store is the capability set over an object store. Head on a missing object
// fails with a NotFound-tagged error. All writes return a stable content hash
// and are idempotent by key.
type Store interface {
	PutJSON(ctx context.Context, bucket string, key string, obj any) (PutResult, error)
	PutRaw(ctx context.Context, bucket string, key string, data []byte, contentType string) (PutResult, error)
	Get(ctx context.Context, bucket string, key string) ([]byte, error)
	Head(ctx context.Context, bucket string, key string) (HeadInfo, error)
	Delete(ctx context.Context, bucket string, key string) error
	List(ctx context.Context, bucket string, prefix string, opts ListOptions) (ListResult, error)
	PresignGet(ctx context.Context, bucket string, key string, ttl time.Duration) (string, error)
	Copy(ctx context.Context, srcBucket string, srcKey string, dstBucket string, dstKey string) error
}

// Cache is the small byte cache the read-through decorator uses.
type Cache interface {
	Get(ctx context.Context, key string) (bool, []byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
