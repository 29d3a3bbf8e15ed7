package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// JPEGQuality is the encoder quality used for converted HEIC images
const JPEGQuality = 90

// File is a named blob as selected by the user
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// DecodeFunc decodes an encoded image
type DecodeFunc func(r io.Reader) (image.Image, error)

// RenderPDFPreview renders the first page of a PDF to PNG
func RenderPDFPreview(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Most receipts are single page
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

// heicToJPEG decodes HEIC data and re-encodes it as JPEG
func heicToJPEG(decode DecodeFunc, data []byte) ([]byte, error) {
	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	return buf.Bytes(), nil
}

// defaultDecode decodes HEIC with the pure Go decoder
func defaultDecode(r io.Reader) (image.Image, error) {
	return heic.Decode(r)
}

// IsHEIC reports whether a file is HEIC/HEIF by name, MIME type or magic bytes
func IsHEIC(f File) bool {
	return IsHEICName(f.Name) || IsHEICMimeType(f.ContentType) || IsHEICFormat(f.Data)
}

// IsHEICName checks for a .heic or .heif suffix, ignoring case
func IsHEICName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".heic" || ext == ".heif"
}

// IsHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIF family brand
func IsHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heix" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// IsHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func IsHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// JPEGName rewrites a .heic/.heif suffix to .jpg, ignoring case.
// Names without such a suffix are returned unchanged.
func JPEGName(name string) string {
	if !IsHEICName(name) {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}
