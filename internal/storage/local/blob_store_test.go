package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "error_screenshots")
	blobs, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(blobs.root))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = New(Config{BaseDir: " "})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(Config{BaseDir: file})
	assert.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blobs, err := New(Config{BaseDir: root})
	require.NoError(t, err)
	ctx := context.Background()

	name := "venue.example.com/ab12cd34-1761300000-1.png"
	uri, err := blobs.PutObject(ctx, name, "image/png", []byte("\x89PNG"))
	require.NoError(t, err)
	want := filepath.Join(root, filepath.FromSlash(name))
	assert.Equal(t, "file://"+want, uri)

	got, err := os.ReadFile(want) // #nosec G304 -- test temp dir
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), got)

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staging files are left behind")

	for _, bad := range []string{"", "../escape.png", "venue/../../escape.png", "."} {
		_, err := blobs.PutObject(ctx, bad, "image/png", []byte("x"))
		assert.Error(t, err, bad)
	}
}
