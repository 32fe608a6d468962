// Package preprocess prepares raster images for OCR: grayscale conversion,
// upscaling of small scans and global binarization.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const DefaultMinWidth = 1000

type Options struct {
	// MinWidth upscales narrower images; tesseract struggles below ~20px glyph height.
	MinWidth int
	Binarize bool
}

// Decode decodes any format registered with the image package.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Image runs the pipeline on encoded image bytes and returns a PNG.
func Image(data []byte, opts Options) ([]byte, error) {
	src, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	gray := Grayscale(src)
	if opts.MinWidth > 0 && gray.Bounds().Dx() < opts.MinWidth {
		gray = Upscale(gray, opts.MinWidth)
	}
	if opts.Binarize {
		Binarize(gray, OtsuThreshold(gray))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func Grayscale(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Upscale resizes src so that its width equals width, keeping the aspect ratio.
func Upscale(src *image.Gray, width int) *image.Gray {
	b := src.Bounds()
	if b.Dx() == 0 {
		return src
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// OtsuThreshold picks the gray level that maximizes between-class variance.
func OtsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)
	if total == 0 {
		return 127
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumB, best float64
		wB         int
		threshold  uint8
	)
	for t := range 256 {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

func Binarize(img *image.Gray, threshold uint8) {
	for i, v := range img.Pix {
		if v > threshold {
			img.Pix[i] = 0xff
		} else {
			img.Pix[i] = 0
		}
	}
}
