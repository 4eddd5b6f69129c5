package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

var ErrEmptyImage = errors.New("empty image")

// Config for upload normalization.
type Config struct {
	MaxDimension   int  // longest side after normalization (default 2200)
	JPEGQuality    int  // 1-100 (default 90)
	AllowPNGAlpha  bool // keep transparency as PNG instead of flattening to JPEG
	MinDimension   int  // floor used by NormalizeWithBudget (default 900)
	MinJPEGQuality int  // floor used by NormalizeWithBudget (default 70)
}

// DefaultConfig returns default normalization config
func DefaultConfig() Config {
	return Config{
		MaxDimension:   2200,
		JPEGQuality:    90,
		AllowPNGAlpha:  true,
		MinDimension:   900,
		MinJPEGQuality: 70,
	}
}

// Image is a normalized image ready to send to the renderer.
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Ext returns the file extension matching ContentType.
func (i *Image) Ext() string {
	if i.ContentType == "image/png" {
		return "png"
	}
	return "jpg"
}

// Normalizer decodes uploads, applies EXIF orientation, downscales to the
// configured longest side and re-encodes to JPEG (PNG when alpha is kept).
type Normalizer struct {
	config Config
}

// NewNormalizer creates an image normalizer. Zero fields fall back to defaults.
func NewNormalizer(config Config) *Normalizer {
	def := DefaultConfig()
	if config.MaxDimension <= 0 {
		config.MaxDimension = def.MaxDimension
	}
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = def.JPEGQuality
	}
	if config.MinDimension <= 0 || config.MinDimension > config.MaxDimension {
		config.MinDimension = min(def.MinDimension, config.MaxDimension)
	}
	if config.MinJPEGQuality <= 0 || config.MinJPEGQuality > config.JPEGQuality {
		config.MinJPEGQuality = min(def.MinJPEGQuality, config.JPEGQuality)
	}
	return &Normalizer{config: config}
}

// Normalize re-encodes data with the configured limits.
func (n *Normalizer) Normalize(data []byte) (*Image, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	return n.encode(img, n.config.MaxDimension, n.config.JPEGQuality, n.config.AllowPNGAlpha)
}

// NormalizeWithBudget shrinks dimension and quality step by step until the
// output fits in maxBytes. The last attempt is returned when nothing fits.
func (n *Normalizer) NormalizeWithBudget(data []byte, maxBytes int) (*Image, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive, got %d", maxBytes)
	}
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	dim, quality := n.config.MaxDimension, n.config.JPEGQuality
	var out *Image
	for attempt := 0; attempt < 8; attempt++ {
		out, err = n.encode(img, dim, quality, false)
		if err != nil {
			return nil, err
		}
		if len(out.Data) <= maxBytes {
			return out, nil
		}

		dim = max(n.config.MinDimension, dim*85/100)
		quality = max(n.config.MinJPEGQuality, quality-6)
		if dim == n.config.MinDimension && quality == n.config.MinJPEGQuality {
			break
		}
	}
	return out, nil
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func (n *Normalizer) encode(img image.Image, maxDim, quality int, allowAlpha bool) (*Image, error) {
	b := img.Bounds()
	if max(b.Dx(), b.Dy()) > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	contentType := "image/jpeg"
	alpha := hasAlpha(img)

	switch {
	case alpha && allowAlpha:
		contentType = "image/png"
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		if alpha {
			img = flatten(img)
		}
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	}

	out := img.Bounds()
	return &Image{
		Data:        buf.Bytes(),
		ContentType: contentType,
		Width:       out.Dx(),
		Height:      out.Dy(),
	}, nil
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

// flatten draws img over a white background.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), image.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
