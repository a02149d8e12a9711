package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/dsn"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
)

var ErrNotImplemented = errors.New("not implemented")

// BlobStore is the durable home of room snapshots. Get returns nil, nil
// for a uri that was never written.
type BlobStore interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, uri string, data []byte) error
}

type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (s *MemoryBlobStore) Get(_ context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[uri]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Put(_ context.Context, uri string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[uri] = append([]byte(nil), data...)
	return nil
}

// FileBlobStore keeps each blob at <dir>/<uri>, written via tmp + rename.
type FileBlobStore struct {
	dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("file blob store directory is required")
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(uri string) (string, error) {
	cleaned := filepath.Clean("/" + uri)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid blob uri %q", uri)
	}
	return filepath.Join(s.dir, filepath.FromSlash(cleaned)), nil
}

func (s *FileBlobStore) Get(_ context.Context, uri string) ([]byte, error) {
	path, err := s.path(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *FileBlobStore) Put(_ context.Context, uri string, data []byte) error {
	path, err := s.path(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// instrumented records latency and outcome for every call to the wrapped
// store.
type instrumented struct {
	backend string
	store   BlobStore
}

func Instrument(backend string, store BlobStore) BlobStore {
	return instrumented{backend: backend, store: store}
}

func (s instrumented) Get(ctx context.Context, uri string) ([]byte, error) {
	start := time.Now()
	data, err := s.store.Get(ctx, uri)
	metrics.RecordBlobOperation(s.backend, "get", time.Since(start), err == nil)
	return data, err
}

func (s instrumented) Put(ctx context.Context, uri string, data []byte) error {
	start := time.Now()
	err := s.store.Put(ctx, uri, data)
	metrics.RecordBlobOperation(s.backend, "put", time.Since(start), err == nil)
	return err
}

func (s instrumented) Close() error {
	if closer, ok := s.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type BlobStoreFactory func(ctx context.Context, raw string) (BlobStore, error)

var blobFactories = struct {
	mu        sync.RWMutex
	factories map[string]BlobStoreFactory
}{factories: map[string]BlobStoreFactory{}}

func RegisterBlobStoreFactory(scheme string, factory BlobStoreFactory) {
	scheme = dsn.NormalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	blobFactories.mu.Lock()
	defer blobFactories.mu.Unlock()
	blobFactories.factories[scheme] = factory
}

func lookupBlobStoreFactory(scheme string) (BlobStoreFactory, bool) {
	blobFactories.mu.RLock()
	defer blobFactories.mu.RUnlock()
	factory, ok := blobFactories.factories[scheme]
	return factory, ok
}

// BuildBlobStoreFromDSN picks a backend: memory://, file:///dir or a bare
// directory, postgres://..., s3://bucket?region=&endpoint=, or a
// registered scheme. An empty DSN yields a memory store.
func BuildBlobStoreFromDSN(ctx context.Context, raw string) (BlobStore, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Instrument("memory", NewMemoryBlobStore()), nil
	}
	parsed, scheme, err := dsn.Parse(raw)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupBlobStoreFactory(scheme); ok {
		store, err := factory(ctx, raw)
		if err != nil {
			return nil, err
		}
		return Instrument(scheme, store), nil
	}
	switch scheme {
	case "", "file":
		dir, err := dsn.Path(parsed, raw)
		if err != nil {
			return nil, err
		}
		store, err := NewFileBlobStore(dir)
		if err != nil {
			return nil, err
		}
		return Instrument("file", store), nil
	case "memory", "mem", "inmem":
		return Instrument("memory", NewMemoryBlobStore()), nil
	case "postgres", "postgresql":
		store, err := NewPostgresBlobStore(raw)
		if err != nil {
			return nil, err
		}
		return Instrument("postgres", store), nil
	case "s3":
		cfg, err := ParseS3DSN(parsed)
		if err != nil {
			return nil, err
		}
		store, err := NewS3BlobStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return Instrument("s3", store), nil
	case "gs", "azblob":
		return nil, fmt.Errorf("%w: blob store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}
