package store

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// FSStore implements Store on the local filesystem. Each key becomes one
// file; slash-separated key prefixes become subdirectories.
type FSStore struct {
	dir string
}

// NewFSStore creates a file-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir}, nil
}

// Get implements Store.
func (fs *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(fs.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put implements Store. It writes to a temporary file first, then renames
// (atomic on POSIX filesystems), so readers never see a partial value.
func (fs *FSStore) Put(_ context.Context, key string, data []byte) error {
	path := fs.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// path generates the full filesystem path for a store key.
func (fs *FSStore) path(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = sanitizeSegment(p)
	}
	return filepath.Join(append([]string{fs.dir}, parts...)...) + ".json"
}

// sanitizeSegment ensures a key segment is safe for use as a filename.
// Keys can carry caller-supplied strings, so every segment must resolve to a
// name inside the store directory.
func sanitizeSegment(seg string) string {
	// For very long segments, use hash to avoid filesystem limits
	if len(seg) > 200 {
		hash := md5.Sum([]byte(seg))
		return fmt.Sprintf("hash_%x", hash)
	}

	// Dot segments would traverse out of the store directory.
	if seg == "" || seg == "." || seg == ".." {
		return "_" + seg
	}

	unsafe := []string{":", "?", "&", "=", "#", "<", ">", "|", "*", "\"", "\\"}
	for _, char := range unsafe {
		seg = strings.ReplaceAll(seg, char, "_")
	}

	return seg
}
