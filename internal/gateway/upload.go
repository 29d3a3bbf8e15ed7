package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// HeaderConnectionID tags an object with the gateway connection it belongs to
	HeaderConnectionID = "x-amz-meta-connectionid"

	// HeaderFileID tags an object with the client-side file identifier
	HeaderFileID = "x-amz-meta-fileid"
)

// UploadFile is one file to PUT to object storage
type UploadFile struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

// UploadOutcome records the result of one upload
type UploadOutcome struct {
	FileID     string
	Name       string
	StatusCode int
	Err        error
}

// Uploader performs direct uploads to presigned URLs
type Uploader struct {
	client *http.Client
}

// NewUploader creates an Uploader. A nil client gets a default with a 2 minute timeout.
func NewUploader(client *http.Client) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Uploader{client: client}
}

// UploadAll uploads every file to the URL granted for its name.
// Uploads run concurrently and all of them are awaited; one file's
// failure never cancels its siblings. Outcomes follow the input order.
func (u *Uploader) UploadAll(ctx context.Context, grant *Grant, files []UploadFile) []UploadOutcome {
	outcomes := make([]UploadOutcome, len(files))

	var g errgroup.Group
	for i, f := range files {
		g.Go(func() error {
			outcome := UploadOutcome{FileID: f.ID, Name: f.Name}
			url, ok := grant.FileURLs[f.Name]
			if !ok || url == "" {
				outcome.Err = fmt.Errorf("no upload URL granted for %s", f.Name)
			} else {
				outcome.StatusCode, outcome.Err = u.put(ctx, url, grant.ConnectionID, f)
			}
			if outcome.Err != nil {
				slog.Error("Failed to upload file", "file_id", f.ID, "filename", f.Name, "error", outcome.Err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (u *Uploader) put(ctx context.Context, url, connectionID string, f UploadFile) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(f.Data))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = int64(len(f.Data))
	req.Header.Set("Content-Type", f.ContentType)
	req.Header.Set(HeaderConnectionID, connectionID)
	req.Header.Set(HeaderFileID, f.ID)

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", f.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("object storage error (status %d): %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Failed returns the outcomes that did not succeed
func Failed(outcomes []UploadOutcome) []UploadOutcome {
	var failed []UploadOutcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
