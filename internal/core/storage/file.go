package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeusync/gridsync/internal/core/sync"
)

var _ sync.BlobStore = (*Dir)(nil)

// Dir stores one file per key under a root directory. Writes go through a
// temporary file and a rename so a crash never leaves a torn blob behind.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob dir %q: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) SaveBlob(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, ".blob-*")
	if err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save %q: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save %q: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

func (d *Dir) LoadBlob(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path, err := d.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %q: %w", key, err)
	}
	return data, true, nil
}

// path maps a key like "charge/42" to "charge_42.blob".
func (d *Dir) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key) + ".blob"
	return filepath.Join(d.root, name), nil
}
