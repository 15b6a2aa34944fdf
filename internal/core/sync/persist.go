package sync

import (
	"context"
	"fmt"
)

// BlobStore is the persistence hook. LoadBlob reports found=false when no blob
// exists for key; callers then keep their defaults.
type BlobStore interface {
	SaveBlob(ctx context.Context, key string, data []byte) error
	LoadBlob(ctx context.Context, key string) (data []byte, found bool, err error)
}

// Save writes the current value under the value's key.
func (v *Value[T]) Save(ctx context.Context, store BlobStore) error {
	current, _ := v.Snapshot()
	if err := store.SaveBlob(ctx, v.key, v.codec.Encode(current)); err != nil {
		return fmt.Errorf("save %q: %w", v.key, err)
	}
	return nil
}

// Load restores a saved value through Set. A missing blob leaves the value untouched.
func (v *Value[T]) Load(ctx context.Context, store BlobStore) (bool, error) {
	if !v.IsAuthoritative() {
		return false, fmt.Errorf("load %q: %w", v.key, ErrNotAuthoritative)
	}
	data, found, err := store.LoadBlob(ctx, v.key)
	if err != nil {
		return false, fmt.Errorf("load %q: %w", v.key, err)
	}
	if !found {
		return false, nil
	}
	restored, err := v.codec.Decode(data)
	if err != nil {
		return false, fmt.Errorf("load %q: %w", v.key, err)
	}
	return true, v.Set(restored)
}
