// Package payloadstore provides content-addressed blob storage for row and
// call payloads, keyed by SHA-256 digest. Separating large payloads from
// the Landscape's relational tables keeps retention policy and dedup cheap
// without losing structural history.
package payloadstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists for the given ref.
var ErrNotFound = errors.New("payloadstore: ref not found")

// Ref identifies a stored payload by content hash.
type Ref struct {
	StoreID     string `json:"store_id"`
	ContentHash string `json:"content_hash"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Store is content-addressed blob storage. Put is idempotent: storing the
// same bytes twice returns the same Ref and performs the write only once.
type Store interface {
	// Put stores data and returns its Ref. Safe to call repeatedly with
	// identical data; the underlying write happens at most once per digest.
	Put(ctx context.Context, data []byte, contentType string) (Ref, error)

	// Get returns the bytes for ref, or ErrNotFound if absent.
	Get(ctx context.Context, ref Ref) ([]byte, error)

	// Exists reports whether a blob for ref is present without reading it.
	Exists(ctx context.Context, ref Ref) (bool, error)
}
