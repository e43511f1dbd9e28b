package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedImage is returned for files that cannot be turned into an image the analyzer accepts
var ErrUnsupportedImage = errors.New("unsupported image format, use JPEG, PNG, WEBP, GIF, HEIC or PDF")

// Image is receipt image data in a format every scanner accepts
type Image struct {
	Data        []byte
	ContentType string
}

// check reports whether the image is ready to send, without decoding it
func (i Image) check() error {
	if len(i.Data) == 0 {
		return fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}
	if !passthroughTypes[i.ContentType] {
		return fmt.Errorf("%w: %s must be normalized first", ErrUnsupportedImage, i.ContentType)
	}
	return nil
}

// passthroughTypes are sent to the analyzer as-is
var passthroughTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// NormalizeImage converts HEIC/HEIF, PDF and GIF input to PNG and passes
// JPEG, PNG and WEBP through unchanged. An empty or generic content type is
// replaced by a sniffed one.
func NormalizeImage(data []byte, contentType string) (Image, error) {
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}

	mimeType := normalizeMIMEType(contentType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffMIMEType(data)
	}

	switch {
	case passthroughTypes[mimeType] && !isHEICFormat(data):
		return Image{Data: data, ContentType: mimeType}, nil
	case mimeType == "application/pdf":
		pngData, err := pdfToPNG(data)
		if err != nil {
			return Image{}, fmt.Errorf("converting PDF to image: %w", err)
		}
		return Image{Data: pngData, ContentType: "image/png"}, nil
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return Image{}, fmt.Errorf("%w: decoding HEIC/HEIF image: %v", ErrUnsupportedImage, err)
		}
		return encodePNG(img)
	case strings.HasPrefix(mimeType, "image/"):
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
		}
		return encodePNG(img)
	default:
		return Image{}, fmt.Errorf("%w: got %s", ErrUnsupportedImage, mimeType)
	}
}

func encodePNG(img image.Image) (Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("encoding PNG: %w", err)
	}
	return Image{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

// pdfToPNG renders the first page; receipts are single page
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

func normalizeMIMEType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "image/jpg" {
		mimeType = "image/jpeg"
	}
	return mimeType
}

func sniffMIMEType(data []byte) string {
	if isHEICFormat(data) {
		return "image/heic"
	}
	return normalizeMIMEType(http.DetectContentType(data))
}

// isHEICFormat looks for an ftyp box with a HEIC/HEIF brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
