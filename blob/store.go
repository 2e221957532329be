// Package blob provides keyed byte storage for chunks, staging files and final uploads.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when a key has no blob.
var ErrNotExist = errors.New("blob does not exist")

// Store is a keyed blob store. Keys are slash separated.
// Put replaces an existing blob atomically, so concurrent writers of the same key resolve to last write wins.
type Store interface {
	// Put writes the reader's content under key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the blob under key. Returns ErrNotExist for a missing key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every blob under a directory style prefix (ending with "/").
	DeletePrefix(ctx context.Context, prefix string) error
	// Move renames src to dst, replacing dst. Returns ErrNotExist when src is missing.
	Move(ctx context.Context, src, dst string) error
}

func validatePrefix(prefix string) error {
	if prefix == "" || prefix == "/" || prefix[len(prefix)-1] != '/' {
		return errors.New("prefix must be a non-root directory ending with /")
	}
	return nil
}
