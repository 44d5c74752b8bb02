package image_list

import (
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))))
}

func TestScan_MigratesNewImages(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "slide.png"), 600, 300)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	s := New(dir, nil, zap.NewNop())
	require.NoError(t, s.Scan())

	images := s.GetImages()
	require.Len(t, images, 1)
	img := images[0]
	assert.Equal(t, "slide.png", img.OriginalFilename)
	assert.Equal(t, img.ID+".png", img.CurrentFilename)
	assert.Equal(t, 600, img.Width)
	assert.Equal(t, 300, img.Height)
	assert.NotZero(t, img.Bytes)

	_, err := os.Stat(filepath.Join(dir, "slide.png"))
	assert.True(t, os.IsNotExist(err), "renamed to its id")

	data, err := os.ReadFile(filepath.Join(dir, img.ID+".json"))
	require.NoError(t, err)
	var sidecar ImageInfo
	require.NoError(t, json.Unmarshal(data, &sidecar))
	assert.Equal(t, img, sidecar)

	// A rescan reads the sidecar instead of migrating again.
	require.NoError(t, s.Scan())
	assert.Equal(t, images, s.GetImages())
}

func TestScan_RemovesBadSidecars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	orphan, err := json.Marshal(ImageInfo{ID: "orphan", CurrentFilename: "orphan.png"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.json"), orphan, 0644))

	mismatch, err := json.Marshal(ImageInfo{ID: "other", CurrentFilename: "mismatch.png"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mismatch.json"), mismatch, 0644))

	s := New(dir, HeaderProber{}, zap.NewNop())
	require.NoError(t, s.Scan())

	for _, name := range []string{"broken.json", "orphan.json", "mismatch.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestScan_SkipsUnreadableImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake.png"), []byte("not a png"), 0644))

	s := New(dir, nil, zap.NewNop())
	require.NoError(t, s.Scan())

	assert.Empty(t, s.GetImages())
	_, err := os.Stat(filepath.Join(dir, "fake.png"))
	assert.NoError(t, err, "left in place")
}

func TestScan_MissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), nil, zap.NewNop())
	assert.Error(t, s.Scan())
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 1000, 600)

	s := New(dir, nil, zap.NewNop())
	require.NoError(t, s.Scan())
	id := s.GetImages()[0].ID

	img, err := s.GetImageByID(id)
	require.NoError(t, err)
	path, err := s.GetImagePathByID(id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, img.CurrentFilename), path)

	g := img.Grid(256)
	assert.Equal(t, id, g.Image)
	assert.Equal(t, 2, g.MaxLevel())

	_, err = s.GetImageByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetImagePathByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
