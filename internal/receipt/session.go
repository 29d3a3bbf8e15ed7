package receipt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxFiles is how many candidates a session holds
const DefaultMaxFiles = 10

// ErrSessionFull is the reason given for candidates dropped over capacity
var ErrSessionFull = errors.New("upload session is full")

// Releaser gives preview references back to their store
type Releaser interface {
	Release(ref string) error
}

// Session is the ordered, capacity-bounded set of candidates and the
// current selection. Newest candidates come first.
type Session struct {
	mu         sync.Mutex
	maxFiles   int
	previews   Releaser
	candidates []Candidate
	selected   string
}

// NewSession creates an empty Session
func NewSession(maxFiles int, previews Releaser) *Session {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Session{
		maxFiles: maxFiles,
		previews: previews,
	}
}

// Add prepends a batch of candidates, keeping as many as fit. Candidates
// that are dropped as duplicates or over capacity have their previews
// released immediately and are returned as skipped.
func (s *Session) Add(batch []Candidate) ([]Candidate, []Skipped) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]bool, len(s.candidates)+len(batch))
	for _, c := range s.candidates {
		names[c.Name] = true
	}

	remaining := s.maxFiles - len(s.candidates)
	added := make([]Candidate, 0, len(batch))
	var skipped []Skipped

	for _, c := range batch {
		var reason string
		switch {
		case names[c.Name]:
			reason = "a file with this name is already selected"
		case len(added) >= remaining:
			reason = fmt.Sprintf("%s (max %d files)", ErrSessionFull, s.maxFiles)
		}
		if reason != "" {
			slog.Info("Dropping candidate", "filename", c.Name, "reason", reason)
			s.release(c)
			skipped = append(skipped, Skipped{Name: c.Name, Reason: reason})
			continue
		}
		names[c.Name] = true
		added = append(added, c)
	}

	if len(added) == 0 {
		return added, skipped
	}

	next := make([]Candidate, 0, len(added)+len(s.candidates))
	next = append(next, added...)
	s.candidates = append(next, s.candidates...)

	if s.selected == "" {
		s.selected = added[0].ID
	}

	return added, skipped
}

// Remove drops a candidate and releases its preview. When the selected
// candidate is removed the selection moves to the first remaining one.
func (s *Session) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(id)
	if idx < 0 {
		return false
	}

	s.release(s.candidates[idx])
	s.candidates = append(s.candidates[:idx], s.candidates[idx+1:]...)

	if s.selected == id {
		s.selected = ""
		if len(s.candidates) > 0 {
			s.selected = s.candidates[0].ID
		}
	}
	return true
}

// Clear releases every preview and empties the session. It returns how
// many candidates were removed.
func (s *Session) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candidates)
	for _, c := range s.candidates {
		s.release(c)
	}
	s.candidates = nil
	s.selected = ""
	return n
}

// Select makes id the selected candidate. Unknown ids are ignored.
func (s *Session) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index(id) < 0 {
		return false
	}
	s.selected = id
	return true
}

// Selected returns the selected candidate id, or "" when nothing is selected
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index(id) >= 0
}

func (s *Session) Get(id string) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(id)
	if idx < 0 {
		return Candidate{}, false
	}
	return s.candidates[idx], true
}

// Candidates returns a copy of the candidates, newest first
func (s *Session) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// Names returns the candidate file names
func (s *Session) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.candidates))
	for i, c := range s.candidates {
		names[i] = c.Name
	}
	return names
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// Remaining returns how many more candidates fit
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFiles - len(s.candidates)
}

// SetStatus records upload progress for a candidate
func (s *Session) SetStatus(id string, status UploadStatus, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(id)
	if idx < 0 {
		return false
	}
	s.candidates[idx].Status = status
	s.candidates[idx].Error = errMsg
	return true
}

func (s *Session) index(id string) int {
	for i, c := range s.candidates {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) release(c Candidate) {
	if c.PreviewRef == "" || s.previews == nil {
		return
	}
	if err := s.previews.Release(c.PreviewRef); err != nil {
		slog.Warn("Failed to release preview", "file_id", c.ID, "ref", c.PreviewRef, "error", err)
	}
}
