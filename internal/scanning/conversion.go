package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// passthroughTypes are formats vision endpoints accept as-is.
var passthroughTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// pdfToImage converts a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Render the first page (most receipts are single page)
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	return encodePNG(img)
}

// heicToImage converts HEIC/HEIF data (common on iPhones) to a PNG image
func heicToImage(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format.
// mimetype covers the common brands; mif1/msf1 are checked by hand.
func isHEICFormat(data []byte) bool {
	mt := mimetype.Detect(data)
	if mt.Is("image/heic") || mt.Is("image/heif") || mt.Is("image/heic-sequence") || mt.Is("image/heif-sequence") {
		return true
	}
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		return brand == "mif1" || brand == "msf1"
	}
	return false
}

// normalizeImage sniffs the content type and converts PDFs and HEIC images
// to PNG. It returns the final data and its MIME type.
func normalizeImage(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image data")
	}
	if isHEICFormat(data) {
		pngData, err := heicToImage(data)
		if err != nil {
			return nil, "", err
		}
		return pngData, "image/png", nil
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		pngData, err := pdfToImage(data)
		if err != nil {
			return nil, "", fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, "image/png", nil
	case passthroughTypes[mt.String()]:
		return data, mt.String(), nil
	default:
		return nil, "", fmt.Errorf("unsupported image format %q. Supported formats: JPEG, PNG, GIF, WEBP, HEIC, HEIF, PDF", mt.String())
	}
}
