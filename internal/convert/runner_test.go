package convert

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/jobs"
)

func writePNG(t *testing.T, path string, w, h int, fill color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func convertJob(mode string, paths ...string) jobs.Job {
	return jobs.Job{ID: "c-1", Kind: jobs.KindConvert, Params: jobs.ConvertParams{Paths: paths, Mode: mode}}
}

type progress struct {
	mu     sync.Mutex
	values []float64
}

func (p *progress) report(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"PNG to JPG":     ModePNGToJPG,
		"png to jpg":     ModePNGToJPG,
		"png_to_jpeg":    ModePNGToJPG,
		"JPGs to PDF":    ModeJPGsToPDF,
		"image_to_webp":  ModeImageToWebP,
		"  webp  to png": ModeWebPToPNG,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("MP3 to FLAC")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "mode", e.Details["field"])
}

func TestPNGToJPGFlattensOnWhite(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clear.png")
	writePNG(t, in, 4, 4, color.NRGBA{})

	var p progress
	res, err := NewRunner(2).Run(context.Background(), convertJob("PNG to JPG", in), p.report)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "clear.jpg")}, res.Outputs)
	assert.Equal(t, []float64{100}, p.values)

	f, err := os.Open(res.Outputs[0])
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestOutputNamesDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	writePNG(t, filepath.Join(dir, "a.png"), 2, 2, color.Black)

	// make a.jpg a real JPEG
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	f, err := os.Create(a)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())

	res, err := NewRunner(1).Run(context.Background(), convertJob("jpg_to_png", a), func(float64) {})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a (1).png")}, res.Outputs)

	r := &reserver{taken: map[string]bool{}}
	first := r.reserve(filepath.Join(dir, "x.png"), ".ico")
	second := r.reserve(filepath.Join(dir, "x.jpg"), ".ico")
	assert.NotEqual(t, first, second)
}

func TestPNGToICOScalesDown(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "logo.png")
	writePNG(t, in, 512, 256, color.NRGBA{R: 255, A: 255})

	res, err := NewRunner(1).Run(context.Background(), convertJob("PNG to ICO", in), func(float64) {})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, ".ico", filepath.Ext(res.Outputs[0]))

	data, err := os.ReadFile(res.Outputs[0])
	require.NoError(t, err)
	require.Greater(t, len(data), 6)
	assert.Equal(t, []byte{0, 0, 1, 0}, data[:4])

	small := image.NewRGBA(image.Rect(0, 0, 64, 32))
	assert.Same(t, image.Image(small), fitIcon(small))
	assert.Equal(t, image.Rect(0, 0, 128, 256), fitIcon(image.NewRGBA(image.Rect(0, 0, 300, 600))).Bounds())
}

func TestManyFilesReportProgress(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"1.png", "2.png", "3.png", "4.png"} {
		p := filepath.Join(dir, name)
		writePNG(t, p, 2, 2, color.White)
		paths = append(paths, p)
	}

	var p progress
	res, err := NewRunner(2).Run(context.Background(), convertJob("PNG to JPG", paths...), p.report)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "1.jpg"),
		filepath.Join(dir, "2.jpg"),
		filepath.Join(dir, "3.jpg"),
		filepath.Join(dir, "4.jpg"),
	}, res.Outputs)
	assert.ElementsMatch(t, []float64{25, 50, 75, 100}, p.values)
}

func TestCorruptInputFails(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "broken.webp")
	require.NoError(t, os.WriteFile(in, []byte("RIFF0000WEBPjunk"), 0644))

	_, err := NewRunner(1).Run(context.Background(), convertJob("WebP to PNG", in), func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.webp")
	_, statErr := os.Stat(filepath.Join(dir, "broken.png"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMissingExternalTool(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.png")
	writePNG(t, in, 2, 2, color.White)
	missing := WithLookPath(func(string) (string, error) { return "", errors.New("not found") })

	_, err := NewRunner(1, missing).Run(context.Background(), convertJob("Image to WebP", in), func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cwebp is not installed")

	_, err = NewRunner(1, missing).Run(context.Background(), convertJob("JPGs to PDF", in), func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "img2pdf")
}

func TestValidateInputs(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.png")
	writePNG(t, ok, 1, 1, color.White)

	_, err := ValidateInputs(nil)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = ValidateInputs([]string{ok, filepath.Join(dir, "nope.png")})
	e, isApp := apperr.As(err)
	require.True(t, isApp)
	assert.Equal(t, "paths[1]", e.Details["field"])

	_, err = ValidateInputs([]string{dir})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.png")
	writePNG(t, in, 2, 2, color.White)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(1).Run(ctx, convertJob("PNG to JPG", in), func(float64) {})
	assert.ErrorIs(t, err, context.Canceled)
}
