package extraction

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// previewMaxDim bounds the longer edge of the preview thumbnail.
const previewMaxDim = 160

// Normalize converts a captured card payload (PDF scan, HEIC phone photo,
// JPEG, GIF, PNG) to PNG. Content hashing and upload run on the normalized
// bytes so duplicate detection is stable across phone formats.
func Normalize(data []byte, contentType string) ([]byte, string, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "application/pdf" {
		pngData, err := pdfToPNG(data)
		if err != nil {
			return nil, "", fmt.Errorf("converting PDF scan: %w", err)
		}
		return pngData, "image/png", nil
	}

	if mimeType == "image/png" && !isHEICFormat(data) {
		return data, "image/png", nil
	}

	pngData, err := imageToPNG(data, mimeType)
	if err != nil {
		return nil, "", err
	}
	return pngData, "image/png", nil
}

// Preview renders a small PNG thumbnail of normalized PNG bytes as a
// base64 data URL, suitable for session snapshots that must never carry
// the raw payload.
func Preview(pngData []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(pngData))
	if err != nil {
		return "", fmt.Errorf("decoding image for preview: %w", err)
	}

	thumb := downscale(img, previewMaxDim)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encoding preview: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// downscale shrinks img so its longer edge is at most maxDim, using
// nearest-neighbor sampling. Previews are advisory thumbnails; quality is
// not worth an extra dependency.
func downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	outW, outH := maxDim, maxDim
	if w > h {
		outH = h * maxDim / w
	} else {
		outW = w * maxDim / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		srcY := bounds.Min.Y + y*h/outH
		for x := 0; x < outW; x++ {
			srcX := bounds.Min.X + x*w/outW
			out.Set(x, y, img.At(srcX, srcY))
		}
	}
	return out
}

// pdfToPNG renders the first page of a PDF scan as PNG. Intake cards are
// single-page documents.
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// imageToPNG converts any supported image format to PNG.
func imageToPNG(data []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not supported by the standard
	// image package.
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format, expected JPEG, PNG, GIF, HEIC, HEIF or PDF: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brands HEIC/HEIF containers start with.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
