package payloadstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

// shardDepth controls the base/xx/yy/<hash> directory layout: the first two
// hex characters, then the next two, form the shard path.
const shardDepth = 2

// FilesystemStore is the reference PayloadStore implementation. Blobs live
// at base/hash[:2]/hash[2:4]/hash, mirroring the filesystem sharding
// convention used throughout the retrieval pack's storage layers, generalized
// from relational dedup-by-unique-key to dedup-by-directory-layout.
type FilesystemStore struct {
	base     string
	logger   *slog.Logger
	compress bool

	existsCache *lru.Cache[string, bool]

	mu sync.Mutex // guards shard directory creation
}

// Option configures a FilesystemStore.
type Option func(*FilesystemStore)

// WithCompression enables zstd compression of stored blobs at rest. The
// compression state is not reflected in the content hash: hashes are always
// computed over the caller's original bytes, so a store can switch this
// setting without breaking existing refs' identity.
func WithCompression(enabled bool) Option {
	return func(fs *FilesystemStore) { fs.compress = enabled }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *FilesystemStore) { fs.logger = logger }
}

// NewFilesystemStore creates a store rooted at base, creating it if absent.
func NewFilesystemStore(base string, opts ...Option) (*FilesystemStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("payloadstore: create base dir: %w", err)
	}

	cache, err := lru.New[string, bool](4096)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: init existence cache: %w", err)
	}

	fs := &FilesystemStore{
		base:        base,
		logger:      slog.Default(),
		existsCache: cache,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

var _ Store = (*FilesystemStore)(nil)

func (fs *FilesystemStore) shardPath(hash string) string {
	if len(hash) < 2*shardDepth {
		return filepath.Join(fs.base, hash)
	}
	return filepath.Join(fs.base, hash[:2], hash[2:4], hash)
}

// Put stores data under its content hash, skipping the write if the blob is
// already present.
func (fs *FilesystemStore) Put(ctx context.Context, data []byte, contentType string) (Ref, error) {
	hash := canonical.HashBytes(data)
	ref := Ref{StoreID: fs.base, ContentHash: hash, ContentType: contentType, SizeBytes: int64(len(data))}

	if exists, _ := fs.Exists(ctx, ref); exists {
		return ref, nil
	}

	path := fs.shardPath(hash)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("payloadstore: create shard dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		fs.existsCache.Add(hash, true)
		return ref, nil
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Ref{}, fmt.Errorf("payloadstore: create temp file: %w", err)
	}

	var w io.Writer = f
	var zw *zstd.Encoder
	if fs.compress {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return Ref{}, fmt.Errorf("payloadstore: init zstd writer: %w", err)
		}
		w = zw
	}

	if _, err := w.Write(data); err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("payloadstore: write blob: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return Ref{}, fmt.Errorf("payloadstore: close zstd writer: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("payloadstore: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Ref{}, fmt.Errorf("payloadstore: finalize blob: %w", err)
	}

	fs.existsCache.Add(hash, true)
	fs.logger.Debug("payloadstore: stored blob", slog.String("hash", hash), slog.Int("size", len(data)))

	return ref, nil
}

// Get returns the bytes for ref.
func (fs *FilesystemStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	path := fs.shardPath(ref.ContentHash)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payloadstore: open blob: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if fs.compress {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("payloadstore: init zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether ref is present, consulting the LRU cache first.
func (fs *FilesystemStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if ok, found := fs.existsCache.Get(ref.ContentHash); found && ok {
		return true, nil
	}

	path := fs.shardPath(ref.ContentHash)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("payloadstore: stat blob: %w", err)
	}

	fs.existsCache.Add(ref.ContentHash, true)
	return true, nil
}
