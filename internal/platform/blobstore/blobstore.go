// Package blobstore stores source documents. Callers hand it bytes that are
// already encrypted; every operation is scoped to the owning user.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrMissingOwner    = errors.New("owner is required")
)

// MaxFileSize bounds a stored blob. Ciphertext adds a small header and tag
// on top of the upload limit, so this sits well above it.
const MaxFileSize = 64 * 1024 * 1024

// BlobMetadata describes a stored blob. Hash is the SHA-256 of the stored
// (encrypted) bytes.
type BlobMetadata struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Category    string            `json:"category"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore is implemented by InMemoryBlobStore and S3BlobStore.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, ownerID, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, ownerID, id string) error
	GetMetadata(ctx context.Context, ownerID, id string) (*BlobMetadata, error)
	ListByOwner(ctx context.Context, ownerID, category string, limit, offset int) ([]*BlobMetadata, int, error)
}

// ReadAll downloads a blob fully.
func ReadAll(ctx context.Context, store BlobStore, ownerID, id string) ([]byte, *BlobMetadata, error) {
	rc, meta, err := store.Download(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return data, meta, nil
}

func prepare(meta BlobMetadata, content io.Reader) (BlobMetadata, []byte, error) {
	if meta.OwnerID == "" {
		return meta, nil, ErrMissingOwner
	}
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return meta, nil, ErrFileTooLarge
	}
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

func page(items []*BlobMetadata, limit, offset int) []*BlobMetadata {
	if limit <= 0 {
		limit = 20
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for development and tests.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()
	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) get(ownerID, id string) (*storedBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok || b.metadata.OwnerID != ownerID {
		return nil, ErrBlobNotFound
	}
	return b, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, ownerID, id string) (io.ReadCloser, *BlobMetadata, error) {
	b, err := s.get(ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	meta := b.metadata
	return io.NopCloser(bytes.NewReader(b.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok || b.metadata.OwnerID != ownerID {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, ownerID, id string) (*BlobMetadata, error) {
	b, err := s.get(ownerID, id)
	if err != nil {
		return nil, err
	}
	meta := b.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) ListByOwner(_ context.Context, ownerID, category string, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.OwnerID != ownerID {
			continue
		}
		if category != "" && b.metadata.Category != category {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return page(matched, limit, offset), len(matched), nil
}
