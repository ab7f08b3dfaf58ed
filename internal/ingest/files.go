package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStore keeps original uploaded files on disk under a data directory.
// The stored ref is relative so the directory can move between hosts.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "data/files"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes an uploaded file and returns its ref and size.
func (fs *FileStore) Save(r io.Reader) (string, int64, error) {
	ref := uuid.NewString()
	f, err := os.Create(filepath.Join(fs.dir, ref))
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("write file: %w", err)
	}
	return ref, n, nil
}

// Open returns a reader over a stored file.
func (fs *FileStore) Open(ref string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(fs.dir, filepath.Base(ref)))
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", ref, err)
	}
	return f, nil
}

// Size reports the stored size of a file.
func (fs *FileStore) Size(ref string) (int64, error) {
	info, err := os.Stat(filepath.Join(fs.dir, filepath.Base(ref)))
	if err != nil {
		return 0, fmt.Errorf("stat file %s: %w", ref, err)
	}
	return info.Size(), nil
}
