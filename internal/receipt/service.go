package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/receipt-scanner/internal/gateway"
	"github.com/zombor/receipt-scanner/internal/imaging"
)

// maxNotices bounds the notice list; the oldest notices are dropped first
const maxNotices = 50

var (
	// ErrConverting is returned when submitting while HEIC files are converting
	ErrConverting = errors.New("files are still being converted")

	// ErrNoFiles is returned when submitting an empty session
	ErrNoFiles = errors.New("no files to submit")

	// ErrChannelClosed is returned when no open gateway channel is available
	ErrChannelClosed = errors.New("gateway channel is not open")

	// ErrNoGateway is returned when connecting without a configured gateway
	ErrNoGateway = errors.New("no gateway configured")
)

// Channel is the connection to the gateway
type Channel interface {
	Send(ctx context.Context, intent gateway.UploadIntent) error
	Messages() <-chan gateway.Message
	State() gateway.State
	Err() error
	Close() error
}

// Uploader puts granted files into object storage
type Uploader interface {
	UploadAll(ctx context.Context, grant *gateway.Grant, files []gateway.UploadFile) []gateway.UploadOutcome
}

// Normalizer converts HEIC files to JPEG
type Normalizer interface {
	Normalize(ctx context.Context, files []imaging.File) ([]imaging.File, []imaging.Failure)
}

// Dialer opens a new gateway channel
type Dialer func(ctx context.Context) (Channel, error)

// Deps are the collaborators of a Service
type Deps struct {
	Previews   Previews
	Normalizer Normalizer
	Uploader   Uploader

	// Channel is an already connected channel. Dial is used by Connect
	// to replace it; either may be nil.
	Channel Channel
	Dial    Dialer

	MaxFiles    int
	MaxFileSize int64

	Metrics     *Metrics
	IDGenerator IDGenerator
	TimeSource  TimeSource
	RenderPDF   func([]byte) ([]byte, error)
}

func (d Deps) normalize() Deps {
	out := d
	if out.Normalizer == nil {
		out.Normalizer = imaging.NewNormalizer(imaging.DefaultConcurrency)
	}
	if out.Uploader == nil {
		out.Uploader = gateway.NewUploader(nil)
	}
	if out.MaxFiles <= 0 {
		out.MaxFiles = DefaultMaxFiles
	}
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.IDGenerator == nil {
		out.IDGenerator = &uuidGenerator{}
	}
	if out.TimeSource == nil {
		out.TimeSource = &defaultTimeSource{}
	}
	if out.RenderPDF == nil {
		out.RenderPDF = imaging.RenderPDFPreview
	}
	return out
}

// IntakeReport is what happened to a selection of files
type IntakeReport struct {
	Added   []Candidate `json:"added"`
	Skipped []Skipped   `json:"skipped"`
}

// Snapshot is the session as shown to the user
type Snapshot struct {
	Candidates []Candidate        `json:"candidates"`
	Selected   string             `json:"selected"`
	Remaining  int                `json:"remaining"`
	Converting bool               `json:"converting"`
	Connection string             `json:"connection"`
	Results    []ExtractionResult `json:"results"`
	Notices    []Notice           `json:"notices"`
}

// Service coordinates intake, conversion, upload and result collection
// for one upload session
type Service struct {
	session    *Session
	reconciler *Reconciler
	intake     *Intake
	previews   Previews
	normalizer Normalizer
	uploader   Uploader
	dial       Dialer
	metrics    *Metrics
	timeSource TimeSource

	converting atomic.Int32
	uploads    sync.WaitGroup

	// held while results are applied and while candidates leave the session
	membership sync.Mutex

	mu        sync.Mutex
	closed    bool
	channel   Channel
	submitted map[string]bool
	notices   []Notice
	swapped   chan struct{}
}

// NewService creates a Service from its dependencies
func NewService(deps Deps) *Service {
	deps = deps.normalize()

	session := NewSession(deps.MaxFiles, deps.Previews)
	return &Service{
		session:    session,
		reconciler: NewReconciler(session),
		intake:     NewIntakeWithDeps(deps.Previews, deps.MaxFileSize, deps.IDGenerator, deps.TimeSource, deps.RenderPDF),
		previews:   deps.Previews,
		normalizer: deps.Normalizer,
		uploader:   deps.Uploader,
		dial:       deps.Dial,
		metrics:    deps.Metrics,
		timeSource: deps.TimeSource,
		channel:    deps.Channel,
		swapped:    make(chan struct{}, 1),
	}
}

// AddFiles validates a selection of files and adds what passes to the
// session. Non-HEIC files are added right away; HEIC files are converted
// first and checked again against the session as it is after conversion.
func (s *Service) AddFiles(ctx context.Context, files []imaging.File) (IntakeReport, error) {
	var report IntakeReport

	batch := s.intake.Partition(files, s.session.Names())
	if len(batch.HEIC) > 0 {
		s.converting.Add(1)
		defer s.converting.Add(-1)
	}
	report.Skipped = append(report.Skipped, batch.Skipped...)
	s.accept(batch.Accepted, &report)

	var err error
	if len(batch.HEIC) > 0 {
		err = s.convert(ctx, batch.HEIC, &report)
	}

	s.metrics.ObserveIntake(len(report.Added), len(report.Skipped))
	s.metrics.SetCandidates(s.session.Len())
	return report, err
}

func (s *Service) convert(ctx context.Context, files []imaging.File, report *IntakeReport) error {
	s.metrics.StartConversion()
	start := s.timeSource.Now()

	converted, failures := s.normalizer.Normalize(ctx, files)

	s.metrics.FinishConversion(s.timeSource.Now().Sub(start), len(failures))

	for _, f := range failures {
		report.Skipped = append(report.Skipped, Skipped{
			Name:   f.Name,
			Reason: fmt.Sprintf("could not convert HEIC image: %v", f.Err),
		})
	}

	// The session may have changed while converting
	batch := s.intake.Partition(converted, s.session.Names())
	report.Skipped = append(report.Skipped, batch.Skipped...)
	for _, f := range batch.HEIC {
		slog.Error("Converted file still looks like HEIC", "filename", f.Name)
		report.Skipped = append(report.Skipped, Skipped{Name: f.Name, Reason: "conversion did not produce a JPEG"})
	}
	s.accept(batch.Accepted, report)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("converting HEIC files: %w", err)
	}
	return nil
}

func (s *Service) accept(files []imaging.File, report *IntakeReport) {
	if len(files) == 0 {
		return
	}
	candidates, skipped := s.intake.Accept(files)
	report.Skipped = append(report.Skipped, skipped...)

	added, dropped := s.session.Add(candidates)
	report.Added = append(report.Added, added...)
	report.Skipped = append(report.Skipped, dropped...)
}

// RemoveFile removes a candidate and any result extracted for it
func (s *Service) RemoveFile(id string) bool {
	s.membership.Lock()
	removed := s.session.Remove(id)
	if removed {
		s.reconciler.Forget(id)
	}
	s.membership.Unlock()
	if !removed {
		return false
	}

	s.mu.Lock()
	delete(s.submitted, id)
	s.mu.Unlock()

	s.metrics.SetCandidates(s.session.Len())
	return true
}

// SelectFile selects a candidate for preview
func (s *Service) SelectFile(id string) bool {
	return s.session.Select(id)
}

// Preview returns the preview blob of a candidate
func (s *Service) Preview(id string) ([]byte, string, error) {
	c, ok := s.session.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFile, id)
	}
	data, contentType, err := s.previews.Get(c.PreviewRef)
	if err != nil {
		return nil, "", fmt.Errorf("getting preview: %w", err)
	}
	return data, contentType, nil
}

// Reset clears the session together with its results and notices.
// Results still in flight for the old candidates are rejected on arrival.
func (s *Service) Reset() {
	s.membership.Lock()
	n := s.session.Clear()
	s.reconciler.Reset()
	s.membership.Unlock()

	s.mu.Lock()
	s.submitted = nil
	s.notices = nil
	s.mu.Unlock()

	s.metrics.SetCandidates(0)
	slog.Info("Session reset", "removed", n)
}

// Submit asks the gateway for upload URLs for every candidate
func (s *Service) Submit(ctx context.Context) error {
	if s.Converting() {
		return ErrConverting
	}

	candidates := s.session.Candidates()
	if len(candidates) == 0 {
		return ErrNoFiles
	}

	ch := s.currentChannel()
	if ch == nil || ch.State() != gateway.StateOpen {
		return ErrChannelClosed
	}

	descriptors := make([]gateway.FileDescriptor, 0, len(candidates))
	submitted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		descriptors = append(descriptors, gateway.FileDescriptor{
			ID:   c.ID,
			Name: c.Name,
			Type: c.ContentType,
			Size: c.Size,
		})
		submitted[c.ID] = true
	}

	s.mu.Lock()
	s.submitted = submitted
	s.mu.Unlock()

	for id := range submitted {
		s.session.SetStatus(id, StatusUploading, "")
	}

	if err := ch.Send(ctx, gateway.NewUploadIntent(descriptors)); err != nil {
		for id := range submitted {
			s.session.SetStatus(id, StatusIdle, "")
		}
		if errors.Is(err, gateway.ErrNotOpen) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return fmt.Errorf("sending upload intent: %w", err)
	}

	slog.Info("Submitted files", "count", len(descriptors))
	return nil
}

// Connect replaces the current channel with a freshly dialed one
func (s *Service) Connect(ctx context.Context) error {
	if s.dial == nil {
		return ErrNoGateway
	}

	ch, err := s.dial(ctx)
	if err != nil {
		s.notify(NoticeTransport, "", fmt.Sprintf("could not connect to the gateway: %v", err))
		return fmt.Errorf("dialing gateway: %w", err)
	}

	s.mu.Lock()
	old := s.channel
	s.channel = ch
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("Failed to close previous channel", "error", err)
		}
	}

	select {
	case s.swapped <- struct{}{}:
	default:
	}
	return nil
}

// Run consumes gateway messages until ctx is done. It is the only reader
// of the channel. When a channel ends Run waits for Connect to supply
// another one.
func (s *Service) Run(ctx context.Context) error {
	var last Channel
	for {
		ch := s.currentChannel()
		if ch == nil || ch == last {
			select {
			case <-ctx.Done():
				s.uploads.Wait()
				return ctx.Err()
			case <-s.swapped:
				continue
			}
		}

		last = ch
		s.consume(ctx, ch)
	}
}

func (s *Service) consume(ctx context.Context, ch Channel) {
	messages := ch.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				s.channelEnded(ch)
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg gateway.Message) {
	switch m := msg.(type) {
	case *gateway.Grant:
		s.handleGrant(ctx, m)
	case *gateway.Extraction:
		s.handleExtraction(m)
	default:
		slog.Debug("Ignoring gateway message", "type", msg.Type())
	}
}

// handleGrant uploads the submitted candidates still in the session
func (s *Service) handleGrant(ctx context.Context, grant *gateway.Grant) {
	s.mu.Lock()
	submitted := s.submitted
	s.submitted = nil
	s.mu.Unlock()

	var files []gateway.UploadFile
	for _, c := range s.session.Candidates() {
		if !submitted[c.ID] {
			continue
		}
		files = append(files, gateway.UploadFile{
			ID:          c.ID,
			Name:        c.Name,
			ContentType: c.ContentType,
			Data:        c.Data,
		})
	}
	if len(files) == 0 {
		slog.Warn("Received upload grant with nothing to upload", "connection_id", grant.ConnectionID)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("Ignoring upload grant after close", "connection_id", grant.ConnectionID)
		return
	}
	s.uploads.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.uploads.Done()

		for _, o := range s.uploader.UploadAll(ctx, grant, files) {
			s.metrics.ObserveUpload(o.Err)
			if o.Err != nil {
				slog.Error("Failed to upload file", "file_id", o.FileID, "filename", o.Name, "error", o.Err)
				// gone after a reset or removal
				if s.session.SetStatus(o.FileID, StatusFailed, o.Err.Error()) {
					s.notify(NoticeUpload, o.FileID, fmt.Sprintf("upload of %s failed: %v", o.Name, o.Err))
				}
				continue
			}
			s.session.SetStatus(o.FileID, StatusUploaded, "")
		}
	}()
}

func (s *Service) handleExtraction(m *gateway.Extraction) {
	s.membership.Lock()
	_, err := s.reconciler.Apply(m.FileID, m.Body)
	s.membership.Unlock()
	switch {
	case err == nil:
		s.metrics.ObserveExtraction("applied")
	case errors.Is(err, ErrUnknownFile):
		s.metrics.ObserveExtraction("unknown")
		s.notify(NoticeCorrelation, m.FileID, "received a result for a file that is no longer selected")
	default:
		s.metrics.ObserveExtraction("failed")
		s.session.SetStatus(m.FileID, StatusFailed, err.Error())
		s.notify(NoticeExtraction, m.FileID, err.Error())
	}
}

func (s *Service) channelEnded(ch Channel) {
	msg := "connection to the gateway closed"
	if err := ch.Err(); err != nil {
		msg = fmt.Sprintf("connection to the gateway was lost: %v", err)
	}
	slog.Warn("Gateway channel ended", "error", ch.Err())

	s.mu.Lock()
	if s.channel != ch {
		// Replaced by Connect; the new channel owns the submission
		s.mu.Unlock()
		return
	}
	// Candidates still waiting for a grant will never get one
	submitted := s.submitted
	s.submitted = nil
	s.mu.Unlock()
	for id := range submitted {
		s.session.SetStatus(id, StatusFailed, msg)
	}

	s.notify(NoticeTransport, "", msg)
}

// Close closes the channel and waits for uploads in flight
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	ch := s.channel
	s.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.uploads.Wait()
	return err
}

// Converting reports whether any HEIC conversion is outstanding
func (s *Service) Converting() bool {
	return s.converting.Load() > 0
}

// ConnectionState reports the state of the current channel
func (s *Service) ConnectionState() gateway.State {
	ch := s.currentChannel()
	if ch == nil {
		return gateway.StateClosed
	}
	return ch.State()
}

// Results returns the extraction results collected so far
func (s *Service) Results() []ExtractionResult {
	return s.reconciler.Results()
}

// Notices returns the failures the user should see, oldest first
func (s *Service) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// Snapshot returns the session as it is right now
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Candidates: s.session.Candidates(),
		Selected:   s.session.Selected(),
		Remaining:  s.session.Remaining(),
		Converting: s.Converting(),
		Connection: s.ConnectionState().String(),
		Results:    s.reconciler.Results(),
		Notices:    s.Notices(),
	}
}

func (s *Service) currentChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Service) notify(kind, fileID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notices = append(s.notices, Notice{
		Kind:    kind,
		FileID:  fileID,
		Message: message,
		At:      s.timeSource.Now(),
	})
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
}

// WaitUploads blocks until every upload started so far has finished or
// the timeout elapses
func (s *Service) WaitUploads(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
