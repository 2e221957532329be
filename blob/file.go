package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-utils/v2/log"
)

// FileStore keeps blobs as files under a root directory.
type FileStore struct {
	root   string
	os     internal.OsProxy
	logger log.Logger
}

// NewFileStore ...
func NewFileStore(root string, logger log.Logger) (*FileStore, error) {
	return newFileStore(root, internal.RealOS{}, logger)
}

func newFileStore(root string, osProxy internal.OsProxy, logger log.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := osProxy.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &FileStore{root: absRoot, os: osProxy, logger: logger}, nil
}

// Root returns the absolute storage directory.
func (s *FileStore) Root() string {
	return s.root
}

// Put writes to a temporary file next to the target and renames it into place.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := s.os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := s.os.CreateTemp(dir, ".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		if err := s.os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf("Failed to remove temporary file %s: %s", tmpPath, err)
		}
	}

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return n, fmt.Errorf("close %s: %w", key, err)
	}
	if err := s.os.Rename(tmpPath, path); err != nil {
		cleanup()
		return n, fmt.Errorf("rename into %s: %w", key, err)
	}

	return n, nil
}

// Get ...
func (s *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := s.os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Exists ...
func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := s.os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Delete ...
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// DeletePrefix ...
func (s *FileStore) DeletePrefix(_ context.Context, prefix string) error {
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	path, err := s.path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := s.os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", prefix, err)
	}
	return nil
}

// Move ...
func (s *FileStore) Move(_ context.Context, src, dst string) error {
	srcPath, err := s.path(src)
	if err != nil {
		return err
	}
	dstPath, err := s.path(dst)
	if err != nil {
		return err
	}
	if _, err := s.os.Stat(srcPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if err := s.os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := s.os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key must not be empty")
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if p == s.root || !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the storage root", key)
	}
	return p, nil
}

// contextReader stops a copy once the context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
