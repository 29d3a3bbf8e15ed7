package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownFile is returned for results that name no current candidate
var ErrUnknownFile = errors.New("unknown file id")

// CandidateLookup answers whether a file id is in the session right now
type CandidateLookup interface {
	Has(id string) bool
}

// Reconciler folds extraction messages into a result collection keyed by file id
type Reconciler struct {
	mu      sync.Mutex
	lookup  CandidateLookup
	results []ExtractionResult
}

// NewReconciler creates a Reconciler checking ids against lookup
func NewReconciler(lookup CandidateLookup) *Reconciler {
	return &Reconciler{lookup: lookup}
}

// Apply shapes an extraction payload and stores it for fileID, replacing
// any earlier result for the same file in place. Results for files that
// are no longer candidates are rejected. The candidate check and the
// insert happen under one lock.
func (r *Reconciler) Apply(fileID string, payload json.RawMessage) ([]ExtractionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lookup.Has(fileID) {
		slog.Warn("Ignoring result for unknown file", "file_id", fileID)
		return r.copyResults(), fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}

	result, err := ShapeExtraction(fileID, payload)
	if err != nil {
		slog.Error("Failed to shape extraction", "file_id", fileID, "error", err)
		return r.copyResults(), fmt.Errorf("shaping extraction for %s: %w", fileID, err)
	}

	if idx := r.index(fileID); idx >= 0 {
		r.results[idx] = *result
	} else {
		r.results = append(r.results, *result)
	}
	return r.copyResults(), nil
}

// Results returns a copy of the results in arrival order
func (r *Reconciler) Results() []ExtractionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyResults()
}

// Result returns the result for one file
func (r *Reconciler) Result(fileID string) (ExtractionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(fileID)
	if idx < 0 {
		return ExtractionResult{}, false
	}
	return r.results[idx], true
}

// Forget drops the result for a file that left the session
func (r *Reconciler) Forget(fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(fileID)
	if idx < 0 {
		return false
	}
	r.results = append(r.results[:idx], r.results[idx+1:]...)
	return true
}

// Reset discards all results
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = nil
}

func (r *Reconciler) index(fileID string) int {
	for i, res := range r.results {
		if res.FileID == fileID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) copyResults() []ExtractionResult {
	out := make([]ExtractionResult, len(r.results))
	copy(out, r.results)
	return out
}
