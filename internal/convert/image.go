package convert

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	ico "github.com/sergeymakinen/go-ico"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// maxIconSize is the largest edge an ICO entry can describe
const maxIconSize = 256

func decodeFile(path string, decode func(io.Reader) (image.Image, error)) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

func decodeAny(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

func encodeFile(path string, img image.Image, encode func(io.Writer, image.Image) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

// flatten composites img onto white, since JPEG has no alpha channel
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// fitIcon scales img down so neither edge exceeds maxIconSize, keeping the
// aspect ratio.
func fitIcon(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxIconSize && h <= maxIconSize {
		return img
	}
	if w >= h {
		h = max(h*maxIconSize/w, 1)
		w = maxIconSize
	} else {
		w = max(w*maxIconSize/h, 1)
		h = maxIconSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func pngToJPG(in, out string) error {
	img, err := decodeFile(in, decodeAny)
	if err != nil {
		return err
	}
	return encodeFile(out, flatten(img), encodeJPEG)
}

func jpgToPNG(in, out string) error {
	img, err := decodeFile(in, decodeAny)
	if err != nil {
		return err
	}
	return encodeFile(out, img, png.Encode)
}

func pngToICO(in, out string) error {
	img, err := decodeFile(in, decodeAny)
	if err != nil {
		return err
	}
	return encodeFile(out, fitIcon(img), ico.Encode)
}

func webpToPNG(in, out string) error {
	img, err := decodeFile(in, webp.Decode)
	if err != nil {
		return err
	}
	return encodeFile(out, img, png.Encode)
}
