package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestNormalizeDownscalesToJPEG(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	data := encodePNG(t, solid(3000, 1500, color.NRGBA{R: 120, G: 130, B: 140, A: 255}))

	out, err := n.Normalize(data)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.ContentType != "image/jpeg" || out.Ext() != "jpg" {
		t.Fatalf("expected jpeg output, got %s", out.ContentType)
	}
	if out.Width != 2200 || out.Height != 1100 {
		t.Fatalf("expected 2200x1100, got %dx%d", out.Width, out.Height)
	}
	if _, err := jpeg.Decode(bytes.NewReader(out.Data)); err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
}

func TestNormalizeKeepsSmallImageSize(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	out, err := n.Normalize(encodePNG(t, solid(640, 480, color.NRGBA{A: 255})))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Width != 640 || out.Height != 480 {
		t.Fatalf("expected 640x480, got %dx%d", out.Width, out.Height)
	}
}

func TestNormalizeAlpha(t *testing.T) {
	data := encodePNG(t, solid(100, 100, color.NRGBA{R: 255, A: 100}))

	out, err := NewNormalizer(DefaultConfig()).Normalize(data)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.ContentType != "image/png" {
		t.Fatalf("expected png for alpha input, got %s", out.ContentType)
	}

	cfg := DefaultConfig()
	cfg.AllowPNGAlpha = false
	out, err = NewNormalizer(cfg).Normalize(data)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.ContentType != "image/jpeg" {
		t.Fatalf("expected flattened jpeg, got %s", out.ContentType)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	if _, err := n.Normalize(nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := n.Normalize([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNormalizeWithBudget(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2400, 1600))
	rng := rand.New(rand.NewSource(1))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	data := encodePNG(t, img)

	n := NewNormalizer(DefaultConfig())
	plain, err := n.Normalize(data)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	budget := len(plain.Data) / 2
	out, err := n.NormalizeWithBudget(data, budget)
	if err != nil {
		t.Fatalf("NormalizeWithBudget: %v", err)
	}
	if len(out.Data) >= len(plain.Data) {
		t.Fatalf("expected budgeted output smaller than %d bytes, got %d", len(plain.Data), len(out.Data))
	}
	if out.Width > 2200 || out.Height > 2200 {
		t.Fatalf("dimension over limit: %dx%d", out.Width, out.Height)
	}

	if _, err := n.NormalizeWithBudget(data, 0); err == nil {
		t.Fatalf("expected error for zero budget")
	}
}
