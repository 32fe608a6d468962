package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func twoToneImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			c := color.RGBA{R: 230, G: 230, B: 230, A: 255}
			if x < w/4 {
				c = color.RGBA{R: 20, G: 20, B: 20, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImageUpscalesAndBinarizes(t *testing.T) {
	data := encodePNG(t, twoToneImage(100, 50))

	out, err := Image(data, Options{MinWidth: 400, Binarize: true})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}

	img, format, err := Decode(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("format = %q, want png", format)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Fatalf("size = %v, want 400x200", b)
	}

	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected *image.Gray, got %T", img)
	}
	for _, v := range gray.Pix {
		if v != 0 && v != 0xff {
			t.Fatalf("pixel %d is not binarized", v)
		}
	}
	if gray.GrayAt(10, 10).Y != 0 || gray.GrayAt(390, 10).Y != 0xff {
		t.Fatalf("dark and light regions were not preserved")
	}
}

func TestImageKeepsLargeImages(t *testing.T) {
	out, err := Image(encodePNG(t, twoToneImage(120, 10)), Options{MinWidth: 100})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	img, _, err := Decode(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 120 {
		t.Fatalf("width = %d, want 120", img.Bounds().Dx())
	}
}

func TestImageRejectsGarbage(t *testing.T) {
	if _, err := Image([]byte("definitely not an image"), Options{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOtsuThresholdSeparatesClasses(t *testing.T) {
	g := Grayscale(twoToneImage(40, 4))
	th := OtsuThreshold(g)
	if th < 20 || th >= 230 {
		t.Fatalf("threshold %d not between the two tones", th)
	}
}
