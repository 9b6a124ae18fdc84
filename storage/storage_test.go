package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/errs"
)

func TestMemoryBucket(t *testing.T) {
	ctx := context.Background()
	fs, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Put(ctx, "documents/1/scan.png", []byte("one")))
	require.NoError(t, fs.Put(ctx, "documents/1/scan.png", []byte("two")))

	data, err := fs.Get(ctx, "documents/1/scan.png")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	r, err := fs.Reader(ctx, "documents/1/scan.png")
	require.NoError(t, err)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data, streamed)

	ok, err := fs.Exists(ctx, "documents/1/scan.png")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fs.Delete(ctx, "documents/1/scan.png"))
	require.NoError(t, fs.Delete(ctx, "documents/1/scan.png"))

	_, err = fs.Get(ctx, "documents/1/scan.png")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, ok = fs.LocalPath("documents/1/scan.png")
	assert.False(t, ok)
}

func TestFileBucketLocalPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := Open(ctx, "file://"+filepath.ToSlash(dir))
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Put(ctx, "layers/3/layer.tif", []byte("tiff")))
	path, ok := fs.LocalPath("layers/3/layer.tif")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tiff", string(data))
}
