package receipt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrPreviewNotFound is returned for unknown or already released preview references
var ErrPreviewNotFound = errors.New("preview not found")

// Previews stores preview blobs behind ownership references
type Previews interface {
	// Allocate stores a preview and returns a new reference to it
	Allocate(data []byte, contentType string) (string, error)

	// Get retrieves a preview and its content type
	Get(ref string) ([]byte, string, error)

	// Release frees a reference. Releasing twice is an error.
	Release(ref string) error

	// Close releases the store itself
	Close() error
}

// DirPreviews implements Previews using a local directory
type DirPreviews struct {
	basePath string
}

// NewDirPreviews creates a DirPreviews instance
func NewDirPreviews(basePath string) (*DirPreviews, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating preview directory: %w", err)
	}

	return &DirPreviews{
		basePath: basePath,
	}, nil
}

// Allocate writes a preview file named after a fresh reference
func (d *DirPreviews) Allocate(data []byte, contentType string) (string, error) {
	ref := uuid.NewString()
	if m := mimetype.Lookup(contentType); m != nil {
		ref += m.Extension()
	}
	path := filepath.Join(d.basePath, ref)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing preview: %w", err)
	}
	return ref, nil
}

// Get reads a preview file back, sniffing its content type
func (d *DirPreviews) Get(ref string) ([]byte, string, error) {
	data, err := os.ReadFile(d.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrPreviewNotFound, ref)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading preview: %w", err)
	}
	return data, mimetype.Detect(data).String(), nil
}

// Release removes a preview file
func (d *DirPreviews) Release(ref string) error {
	err := os.Remove(d.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrPreviewNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("deleting preview: %w", err)
	}
	return nil
}

// Close is a no-op; the directory is left for the caller to remove
func (d *DirPreviews) Close() error {
	return nil
}

// path keeps references inside the base directory
func (d *DirPreviews) path(ref string) string {
	return filepath.Join(d.basePath, filepath.Base(ref))
}
