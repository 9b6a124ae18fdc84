package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

func newManager(t *testing.T) (*PreviewManager, string) {
	t.Helper()
	db, err := models.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	dir := t.TempDir()
	return NewPreviewManager(db, filepath.Join(dir, "preview.map"), "http://localhost:9999/"), dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("tif"), 0o644))
}

func readMapfile(t *testing.T, m *PreviewManager) string {
	t.Helper()
	data, err := os.ReadFile(m.mapfile)
	require.NoError(t, err)
	return string(data)
}

func TestPreviewAddIsIdempotent(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "sanborn-1885-p3.tif")
	touch(t, path)

	name, err := m.Add(path)
	require.NoError(t, err)
	assert.Equal(t, "sanborn-1885-p3", name)

	again, err := m.Add(path)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	content := readMapfile(t, m)
	assert.Equal(t, 1, strings.Count(content, "  LAYER\n"))
	assert.Contains(t, content, `DATA "`+path+`"`)
	assert.Contains(t, content, `"wms_onlineresource" "http://localhost:9999/?"`)
	assert.True(t, strings.HasSuffix(content, "END # Map File\n"))

	rows, err := m.ListServices()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PreviewActive, rows[0].Status)
}

func TestPreviewRemoveIsIdempotent(t *testing.T) {
	m, dir := newManager(t)
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	touch(t, a)
	touch(t, b)
	_, err := m.Add(a)
	require.NoError(t, err)
	_, err = m.Add(b)
	require.NoError(t, err)

	require.NoError(t, m.Remove(a))
	require.NoError(t, m.Remove(a))
	require.NoError(t, m.Remove(filepath.Join(dir, "never-added.tif")))

	content := readMapfile(t, m)
	assert.Equal(t, 1, strings.Count(content, "  LAYER\n"))
	assert.NotContains(t, content, `NAME "a"`)
	assert.Contains(t, content, `NAME "b"`)
	assert.False(t, m.Has("a"))
	assert.True(t, m.Has("b"))
}

func TestPreviewAddMissingRaster(t *testing.T) {
	m, dir := newManager(t)
	_, err := m.Add(filepath.Join(dir, "missing.tif"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPreviewLoadAllDropsVanishedRasters(t *testing.T) {
	m, dir := newManager(t)
	keep := filepath.Join(dir, "keep.tif")
	gone := filepath.Join(dir, "gone.tif")
	touch(t, keep)
	touch(t, gone)
	_, err := m.Add(keep)
	require.NoError(t, err)
	_, err = m.Add(gone)
	require.NoError(t, err)
	require.NoError(t, os.Remove(gone))

	fresh := NewPreviewManager(m.db, m.mapfile, m.endpoint)
	require.NoError(t, fresh.LoadAll())
	assert.True(t, fresh.Has("keep"))
	assert.False(t, fresh.Has("gone"))

	var row models.PreviewLayer
	require.NoError(t, m.db.Where("name = ?", "gone").First(&row).Error)
	assert.Equal(t, models.PreviewError, row.Status)
}

type blobMap map[string][]byte

func (b blobMap) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := b[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return data, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.NRGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageCacheLoad(t *testing.T) {
	c := NewImageCache(2, time.Minute)
	defer c.Close()
	blobs := blobMap{"a.png": pngBytes(t, 4, 3)}

	img, err := c.Load(context.Background(), blobs, "a.png")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())

	delete(blobs, "a.png")
	cached, err := c.Load(context.Background(), blobs, "a.png")
	require.NoError(t, err)
	assert.Equal(t, img, cached)

	c.Invalidate("a.png")
	_, err = c.Load(context.Background(), blobs, "a.png")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	blobs["bad.png"] = []byte("nope")
	_, err = c.Load(context.Background(), blobs, "bad.png")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestImageCacheEvictsAndExpires(t *testing.T) {
	c := NewImageCache(2, time.Minute)
	defer c.Close()
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	c.Set("a", img)
	c.Set("b", img)
	c.Set("c", img)
	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("c")
	assert.True(t, ok)

	short := NewImageCache(2, -time.Second)
	defer short.Close()
	short.Set("x", img)
	_, ok = short.Get("x")
	assert.False(t, ok)
	short.cleanup()
	assert.Zero(t, short.Size())
}
