package receipt

import (
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/zombor/receipt-scanner/internal/imaging"
)

// DefaultMaxFileSize is the largest file accepted into a session
const DefaultMaxFileSize int64 = 10 << 20

// allowedTypes are the content types a candidate may carry
var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// IDGenerator generates unique IDs for candidates
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Batch is a selection of files split by what happens to them next
type Batch struct {
	Accepted []imaging.File // Ready to become candidates
	HEIC     []imaging.File // Must be converted first
	Skipped  []Skipped
}

// Intake validates incoming files and turns them into candidates
type Intake struct {
	maxFileSize int64
	previews    Previews
	idGenerator IDGenerator
	timeSource  TimeSource
	renderPDF   func([]byte) ([]byte, error)
}

// NewIntake creates an Intake with UUID ids and PDF preview rendering
func NewIntake(previews Previews, maxFileSize int64) *Intake {
	return NewIntakeWithDeps(previews, maxFileSize, &uuidGenerator{}, &defaultTimeSource{}, imaging.RenderPDFPreview)
}

// NewIntakeWithDeps creates an Intake with custom dependencies for testing
func NewIntakeWithDeps(previews Previews, maxFileSize int64, idGen IDGenerator, timeSrc TimeSource, renderPDF func([]byte) ([]byte, error)) *Intake {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Intake{
		maxFileSize: maxFileSize,
		previews:    previews,
		idGenerator: idGen,
		timeSource:  timeSrc,
		renderPDF:   renderPDF,
	}
}

// Partition splits files into accepted, pending HEIC conversion and skipped.
// A file is a duplicate when its name after conversion matches one of
// existing or an earlier file in the same batch.
func (in *Intake) Partition(files []imaging.File, existing []string) Batch {
	var batch Batch

	seen := make(map[string]bool, len(existing)+len(files))
	for _, name := range existing {
		seen[name] = true
	}

	skip := func(name, reason string) {
		slog.Info("Skipping file", "filename", name, "reason", reason)
		batch.Skipped = append(batch.Skipped, Skipped{Name: name, Reason: reason})
	}

	for _, f := range files {
		size := int64(len(f.Data))
		if size == 0 {
			skip(f.Name, "file is empty")
			continue
		}
		if size > in.maxFileSize {
			skip(f.Name, fmt.Sprintf("file is %s, over the %s limit",
				humanize.Bytes(uint64(size)), humanize.Bytes(uint64(in.maxFileSize))))
			continue
		}

		f.ContentType = resolveContentType(f)
		isHEIC := imaging.IsHEIC(f)
		if !isHEIC && !allowedTypes[f.ContentType] {
			skip(f.Name, fmt.Sprintf("unsupported file type %s", f.ContentType))
			continue
		}

		effective := f.Name
		if isHEIC {
			effective = imaging.JPEGName(f.Name)
		}
		if seen[effective] {
			skip(f.Name, "a file with this name is already selected")
			continue
		}
		seen[effective] = true

		if isHEIC {
			batch.HEIC = append(batch.HEIC, f)
		} else {
			batch.Accepted = append(batch.Accepted, f)
		}
	}

	return batch
}

// Accept turns validated files into candidates, allocating a preview for each
func (in *Intake) Accept(files []imaging.File) ([]Candidate, []Skipped) {
	candidates := make([]Candidate, 0, len(files))
	var skipped []Skipped

	for _, f := range files {
		isPDF := f.ContentType == "application/pdf"

		preview, previewType := f.Data, f.ContentType
		if isPDF {
			rendered, err := in.renderPDF(f.Data)
			if err != nil {
				slog.Warn("Failed to render PDF preview, storing the PDF", "filename", f.Name, "error", err)
			} else {
				preview, previewType = rendered, "image/png"
			}
		}

		ref, err := in.previews.Allocate(preview, previewType)
		if err != nil {
			slog.Error("Failed to allocate preview", "filename", f.Name, "error", err)
			skipped = append(skipped, Skipped{Name: f.Name, Reason: "could not create a preview"})
			continue
		}

		candidates = append(candidates, Candidate{
			ID:          in.idGenerator.Generate(),
			Name:        f.Name,
			ContentType: f.ContentType,
			Size:        int64(len(f.Data)),
			IsPDF:       isPDF,
			Status:      StatusIdle,
			AddedAt:     in.timeSource.Now(),
			Data:        f.Data,
			PreviewRef:  ref,
		})
	}

	return candidates, skipped
}

// resolveContentType trusts the declared type when present, then the bytes,
// then the extension
func resolveContentType(f imaging.File) string {
	ct := strings.ToLower(strings.TrimSpace(f.ContentType))
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mediaType
	}

	if ct == "" || ct == "application/octet-stream" {
		detected := mimetype.Detect(f.Data)
		ct = detected.String()
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mediaType
		}
		if detected.Is("application/octet-stream") || detected.Is("text/plain") {
			ct = typeFromExtension(f.Name)
		}
	}

	if ct == "image/jpg" {
		ct = "image/jpeg"
	}
	return ct
}

func typeFromExtension(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
