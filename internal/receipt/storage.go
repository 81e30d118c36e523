package receipt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidPath is returned for image keys that would escape the storage root
var ErrInvalidPath = errors.New("invalid storage path")

// Storage holds the bytes of imported images. The key returned by Save is
// the image URI used everywhere else.
type Storage interface {
	Save(key string, data []byte) (string, error)
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// LocalStorage keeps images as files in a single directory
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates dir if needed and stores images in it
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// path maps an image key to its file. Keys arrive in query strings, so only
// plain names inside the directory are accepted.
func (l *LocalStorage) path(key string) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	return filepath.Join(l.dir, key), nil
}

// Save writes the image through a temp file so a reader never sees a partial image
func (l *LocalStorage) Save(key string, data []byte) (string, error) {
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get reads an image
func (l *LocalStorage) Get(key string) ([]byte, error) {
	src, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes an image
func (l *LocalStorage) Delete(key string) error {
	src, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
