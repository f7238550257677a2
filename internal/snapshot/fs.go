package snapshot

import (
	"context"
	"fmt"
	"path"

	"github.com/spf13/afero"
)

// FSStore writes snapshots below a root directory of an afero filesystem.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore returns a store rooted at dir. Use afero.NewOsFs() for the real disk.
func NewFSStore(fs afero.Fs, dir string) *FSStore {
	return &FSStore{fs: fs, root: dir}
}

// Put writes the image and returns its path relative to the root.
func (s *FSStore) Put(ctx context.Context, key string, img Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := path.Join(s.root, key)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, full, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return key, nil
}

// Get reads back a stored snapshot by the reference Put returned.
func (s *FSStore) Get(ref string) ([]byte, error) {
	return afero.ReadFile(s.fs, path.Join(s.root, path.Clean("/"+ref)))
}
