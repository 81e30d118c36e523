package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"
)

// DefaultMaxDimension is the longest side, in pixels, an encoded image may have.
const DefaultMaxDimension = 2048

// Source provides the raw bytes of a stored image.
type Source interface {
	Get(path string) ([]byte, error)
}

// Encoder turns stored images into base64 data URIs suitable for vision requests.
type Encoder struct {
	source       Source
	maxDimension int
}

// NewEncoder creates an Encoder reading from source. Images larger than
// maxDimension on either side are scaled down; 0 selects DefaultMaxDimension.
func NewEncoder(source Source, maxDimension int) *Encoder {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Encoder{source: source, maxDimension: maxDimension}
}

// Encode reads the image stored under uri and returns it as a data URI.
func (e *Encoder) Encode(ctx context.Context, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := e.source.Get(uri)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}
	data, mimeType, err := normalizeImage(data)
	if err != nil {
		return "", fmt.Errorf("normalizing image: %w", err)
	}
	data, mimeType, err = e.fit(data, mimeType)
	if err != nil {
		return "", fmt.Errorf("resizing image: %w", err)
	}
	return dataURI(mimeType, data), nil
}

// fit scales the image down to maxDimension, re-encoding it as JPEG.
// Formats without a registered decoder are passed through unchanged.
func (e *Encoder) fit(data []byte, mimeType string) ([]byte, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		slog.Debug("Skipping resize for undecodable image", "mime_type", mimeType, "error", err)
		return data, mimeType, nil
	}
	if cfg.Width <= e.maxDimension && cfg.Height <= e.maxDimension {
		return data, mimeType, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	resized := imaging.Fit(img, e.maxDimension, e.maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encoding JPEG: %w", err)
	}
	slog.Debug("Resized image",
		"from_width", cfg.Width,
		"from_height", cfg.Height,
		"to_width", resized.Bounds().Dx(),
		"to_height", resized.Bounds().Dy(),
	)
	return buf.Bytes(), "image/jpeg", nil
}
