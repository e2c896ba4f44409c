package scanner

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqr/internal/issuer"
)

const samplePayload = "https://qr.example.com/r/3D-00001234/B/3?ts=1703123456&t=4f0c6a8cb4f4e4fd1a4e0e5b3f1d7b5e6c2a9d8e7f6a5b4c3d2e1f0a9b8c7d6e"

func writeBlank(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestZXingDecoderReadsRenderedCode(t *testing.T) {
	b, err := issuer.RenderPNG(samplePayload, 320)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)

	var f Frame
	f.Draw(img)
	payload, ok := NewZXingDecoder().Decode(&f)
	require.True(t, ok)
	assert.Equal(t, samplePayload, payload)
}

func TestZXingDecoderMissesBlankFrame(t *testing.T) {
	var f Frame
	f.Draw(image.NewGray(image.Rect(0, 0, 32, 32)))
	_, ok := NewZXingDecoder().Decode(&f)
	assert.False(t, ok)
	_, ok = NewZXingDecoder().Decode(&Frame{})
	assert.False(t, ok)
}

func TestScanFromDirCamera(t *testing.T) {
	dir := t.TempDir()
	writeBlank(t, filepath.Join(dir, "000.png"))
	writeBlank(t, filepath.Join(dir, "001.png"))
	require.NoError(t, issuer.WritePNG(samplePayload, filepath.Join(dir, "002.png"), 320))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	cam, err := NewDirCamera(dir, false)
	require.NoError(t, err)
	require.Len(t, cam.Paths, 3)

	s := New(Config{
		Camera:  cam,
		Decoder: NewZXingDecoder(),
		Clock:   &instantClock{},
		Facing:  FacingRear,
		Logger:  zaptest.NewLogger(t),
	})
	payload, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePayload, payload)
	assert.Equal(t, 2, s.Session().Attempts)
}

func TestFileCameraFacingAndClose(t *testing.T) {
	dir := t.TempDir()
	writeBlank(t, filepath.Join(dir, "a.png"))
	cam := &FileCamera{Paths: []string{filepath.Join(dir, "a.png")}, Facing: FacingFront}
	_, err := cam.Acquire(context.Background(), FacingRear)
	assert.ErrorIs(t, err, ErrFacingUnavailable)

	stream, err := cam.Acquire(context.Background(), FacingAny)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, stream.Capture(&f))
	assert.Equal(t, 64, f.Width)
	require.NoError(t, stream.Close())
	assert.ErrorIs(t, stream.Capture(&f), ErrStreamClosed)

	_, err = (&FileCamera{Paths: []string{filepath.Join(dir, "missing.png")}}).Acquire(context.Background(), FacingAny)
	assert.Error(t, err)
}
