package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"subsidy/internal/ports"
	"subsidy/pkg/platform/sentinel"
)

// FS keeps blobs as files under a root directory.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) Store(ctx context.Context, name string, content []byte) (ports.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return ports.BlobRef{}, err
	}
	key := objectKey(name)
	if err := os.WriteFile(filepath.Join(s.root, key), content, 0o640); err != nil {
		return ports.BlobRef{}, fmt.Errorf("write blob: %w", err)
	}
	return ports.BlobRef{Ref: key, Hash: ContentHash(content)}, nil
}

func (s *FS) Open(_ context.Context, ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, sentinel.ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete is idempotent: removing a missing blob succeeds.
func (s *FS) Delete(_ context.Context, ref string) error {
	if !validRef(ref) {
		return nil
	}
	err := os.Remove(filepath.Join(s.root, ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FS) Exists(_ context.Context, ref string) (bool, error) {
	if !validRef(ref) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.root, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}
