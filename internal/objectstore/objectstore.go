// Package objectstore defines the Storage Abstraction: a single
// interface for signed-URL issuance and object PUT/GET/DELETE/HEAD,
// backed by either an S3-compatible client or a GCS-style client.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes an object's metadata as returned by Head.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
	ModTime     time.Time
}

// CacheControlNoCache marks an object as never cacheable, for mutable
// objects like a rolling HLS manifest whose contents change in place
// under the same key (spec.md §4.3).
const CacheControlNoCache = "no-cache, no-store, must-revalidate"

// CacheControlImmutable marks an object as cacheable forever, for
// objects that are written at most once under their key, such as a
// chunk or an HLS segment.
const CacheControlImmutable = "public, max-age=31536000, immutable"

// Store is the Storage Abstraction's contract. Every key is relative to
// the store's configured bucket/prefix; callers never see or choose the
// prefix.
type Store interface {
	// PutFile uploads the contents of a local file at path to key.
	// cacheControl is sent as the object's Cache-Control header; an
	// empty string omits the header entirely.
	PutFile(ctx context.Context, key, path, contentType, cacheControl string) error

	// PutBuffer uploads body to key. cacheControl is sent as the
	// object's Cache-Control header; an empty string omits the header
	// entirely.
	PutBuffer(ctx context.Context, key, contentType string, body []byte, cacheControl string) error

	// Get retrieves the full contents of key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns metadata about key without retrieving its body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited URL granting method access to
	// key without further authentication.
	SignedURL(ctx context.Context, key, method string, expires time.Duration) (string, error)
}
