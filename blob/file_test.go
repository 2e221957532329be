package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-chunkupload/internal"
	testhelpers "github.com/bitrise-io/go-chunkupload/internal/testing"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	testStoreBehaviour(t, func(t *testing.T) Store {
		store, err := NewFileStore(t.TempDir(), log.NewLogger())
		require.NoError(t, err)
		return store
	})
}

func TestFileStore_Layout(t *testing.T) {
	// Given
	root := t.TempDir()
	store, err := NewFileStore(root, log.NewLogger())
	require.NoError(t, err)

	// When
	_, err = store.Put(context.Background(), "chunks/u1/3", strings.NewReader("data"))
	require.NoError(t, err)

	// Then
	require.NoError(t, testhelpers.NewFileChecker(filepath.Join(root, "chunks", "u1", "3")).IsFile().Content("data").Check())
	require.NoError(t, testhelpers.NewFileChecker(filepath.Join(root, "chunks", "u1")).IsDir().Check())

	entries, err := os.ReadDir(filepath.Join(root, "chunks", "u1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), log.NewLogger())
	require.NoError(t, err)

	for _, key := range []string{"", "../outside", "chunks/../../outside", "."} {
		_, err := store.Put(context.Background(), key, strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}

func TestFileStore_EmptyRoot(t *testing.T) {
	_, err := NewFileStore("", log.NewLogger())
	assert.Error(t, err)
}

func TestFileStore_FailedRenameCleansUp(t *testing.T) {
	// Given
	root := t.TempDir()
	proxy := &failingRenameOS{RealOS: internal.RealOS{}}
	store, err := newFileStore(root, proxy, log.NewLogger())
	require.NoError(t, err)

	// When
	_, err = store.Put(context.Background(), "chunks/u1/0", strings.NewReader("data"))

	// Then
	require.Error(t, err)
	entries, err := os.ReadDir(filepath.Join(root, "chunks", "u1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_CancelledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), log.NewLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, "chunks/u1/0", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	exists, err := store.Exists(context.Background(), "chunks/u1/0")
	require.NoError(t, err)
	assert.False(t, exists)
}

type failingRenameOS struct {
	internal.RealOS
}

func (failingRenameOS) Rename(string, string) error {
	return errors.New("rename failed")
}
