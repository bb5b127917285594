package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("artifact_not_found")

// Store is the file-store contract the pipeline depends on. Refs are
// opaque keys; callers never interpret them as paths.
type Store interface {
	Save(ctx context.Context, key string, data []byte) (ref string, err error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
