// Package local keeps archived conversations on disk, for dev and single-node
// deployments.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hallucheck-backend/internal/shared/storage/object"
)

const (
	dirMode  = 0o750
	fileMode = 0o600
)

var errBadKey = errors.New("invalid storage key")

type Store struct {
	root string
	now  func() time.Time
}

func New(root string) *Store {
	return &Store{root: root, now: time.Now}
}

// Put stages the body in a temp file beside the target and renames it in, so
// Open never observes a partial object.
func (s *Store) Put(ctx context.Context, ownerID, fileName string, r io.Reader) (object.Info, error) {
	if err := ctx.Err(); err != nil {
		return object.Info{}, err
	}
	key, err := object.NewKey(ownerID, fileName, s.now())
	if err != nil {
		return object.Info{}, err
	}
	target, err := s.resolve(key)
	if err != nil {
		return object.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return object.Info{}, fmt.Errorf("local store mkdir: %w", err)
	}

	n, err := writeAtomic(target, r)
	if err != nil {
		return object.Info{}, fmt.Errorf("local store put %s: %w", key, err)
	}
	return object.Info{Key: key, SizeBytes: n, ContentType: object.ContentTypeJSON}, nil
}

func writeAtomic(target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".staging-*")
	if err != nil {
		return 0, err
	}
	staged := tmp.Name()
	defer os.Remove(staged)

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(staged, fileMode)
	}
	if err == nil {
		err = os.Rename(staged, target)
	}
	return n, err
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", object.ErrNotFound, key)
	}
	return f, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local store delete %s: %w", key, err)
	}
	return nil
}

// resolve maps a key to a path under root and refuses anything that would
// land outside it.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || filepath.IsAbs(filepath.FromSlash(key)) {
		return "", fmt.Errorf("%w: %q", errBadKey, key)
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errBadKey, key)
	}
	return path, nil
}

var _ object.Store = (*Store)(nil)
