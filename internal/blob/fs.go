package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore keeps blobs as files under a root directory.
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore creates root if needed and returns a store whose URLs are rooted
// at baseURL (typically "<public base url>/storage").
func NewFSStore(root, baseURL string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage dir: %w", err)
	}
	for _, kind := range []string{KindQRCode, KindStatement} {
		if err := os.MkdirAll(filepath.Join(abs, kind), 0o750); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}
	return &FSStore{root: abs, baseURL: baseURL}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes through a temp file and renames it into place.
func (s *FSStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key, err := checkPut(key, contentType)
	if err != nil {
		return "", err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating blob: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}
	return s.URL(key), nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	ct, err := ContentTypeFor(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", fmt.Errorf("reading blob: %w", err)
	}
	return data, ct, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

func (s *FSStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}
