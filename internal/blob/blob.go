// Package blob stores generated statement artifacts (QR images and PDFs) and
// hands back URLs they can be fetched from.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrInvalidKey         = errors.New("invalid blob key")
	ErrInvalidContentType = errors.New("content type is not allowed")
)

const (
	ContentTypePNG = "image/png"
	ContentTypePDF = "application/pdf"
)

var contentTypes = map[string]string{
	".png": ContentTypePNG,
	".pdf": ContentTypePDF,
}

// Store persists artifacts by key.
type Store interface {
	// Put writes data under key and returns its public URL.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Get returns the bytes and content type stored under key.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URL returns the public URL for key without checking that it exists.
	URL(key string) string
}

// Artifact prefixes.
const (
	KindQRCode    = "qrcodes"
	KindStatement = "statements"
)

// ArtifactKey names a new artifact for a statement, e.g.
// "qrcodes/statement_42_1740819600_9f1c0a6e4b7d4e2a8c3f5b6d7e8f9a0b.png".
// The random suffix is what keeps artifact URLs unguessable.
func ArtifactKey(kind string, statementID int64, at time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s/statement_%d_%d_%s%s", kind, statementID, at.Unix(), suffix, ext)
}

// CleanKey validates a key and returns it in canonical form. Keys are relative
// slash-separated paths without ".." elements.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return "", ErrInvalidKey
		}
	}
	return path.Clean(key), nil
}

// ContentTypeFor infers the content type from a key's extension.
func ContentTypeFor(key string) (string, error) {
	ct, ok := contentTypes[strings.ToLower(path.Ext(key))]
	if !ok {
		return "", ErrInvalidContentType
	}
	return ct, nil
}

func checkPut(key, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	want, err := ContentTypeFor(key)
	if err != nil {
		return "", err
	}
	if contentType != want {
		return "", fmt.Errorf("%w: %s for %s", ErrInvalidContentType, contentType, key)
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// MemStore is a thread-safe in-memory Store for tests and development.
type MemStore struct {
	mu      sync.RWMutex
	baseURL string
	blobs   map[string][]byte
}

// NewMemStore returns an empty MemStore whose URLs are rooted at baseURL.
func NewMemStore(baseURL string) *MemStore {
	return &MemStore{baseURL: baseURL, blobs: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	key, err := checkPut(key, contentType)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return s.URL(key), nil
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrBlobNotFound
	}
	ct, err := ContentTypeFor(key)
	if err != nil {
		return nil, "", err
	}
	return append([]byte(nil), data...), ct, nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}

// Len returns the number of stored blobs.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
