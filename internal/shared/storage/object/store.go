// Package object archives raw conversation uploads.
package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when no object exists under the key.
var ErrNotFound = errors.New("object not found")

const ContentTypeJSON = "application/json"

type Info struct {
	Key         string
	SizeBytes   int64
	ContentType string
}

// Store keeps uploads under an owner namespace. Keys come from NewKey and are
// opaque to callers. Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, ownerID, fileName string, r io.Reader) (Info, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
