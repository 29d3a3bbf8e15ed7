package imaging

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the number of HEIC files decoded at once
const DefaultConcurrency = 2

// Failure records a file that could not be converted
type Failure struct {
	Name string
	Err  error
}

// Normalizer converts HEIC images into JPEG
type Normalizer struct {
	concurrency int
	decode      DecodeFunc
}

// NewNormalizer creates a Normalizer backed by the pure Go HEIC decoder
func NewNormalizer(concurrency int) *Normalizer {
	return NewNormalizerWithDecoder(concurrency, defaultDecode)
}

// NewNormalizerWithDecoder creates a Normalizer with a custom decoder for testing
func NewNormalizerWithDecoder(concurrency int, decode DecodeFunc) *Normalizer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Normalizer{
		concurrency: concurrency,
		decode:      decode,
	}
}

// Normalize converts every file to JPEG, renaming .heic to .jpg.
// Output keeps input order. A file that fails to convert is dropped
// and reported in the failures; the rest of the batch still converts.
func (n *Normalizer) Normalize(ctx context.Context, files []File) ([]File, []Failure) {
	converted := make([]*File, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			data, err := heicToJPEG(n.decode, f.Data)
			if err != nil {
				errs[i] = err
				return nil
			}
			converted[i] = &File{
				Name:        JPEGName(f.Name),
				ContentType: "image/jpeg",
				Data:        data,
			}
			return nil
		})
	}
	g.Wait()

	out := make([]File, 0, len(files))
	var failures []Failure
	for i, f := range files {
		if errs[i] != nil {
			slog.Error("Failed to convert HEIC image", "filename", f.Name, "error", errs[i])
			failures = append(failures, Failure{Name: f.Name, Err: fmt.Errorf("converting %s: %w", f.Name, errs[i])})
			continue
		}
		out = append(out, *converted[i])
	}
	return out, failures
}
