package receipt

import "time"

// UploadStatus tracks where a candidate is in the upload flow
type UploadStatus string

const (
	StatusIdle      UploadStatus = "idle"
	StatusUploading UploadStatus = "uploading"
	StatusUploaded  UploadStatus = "uploaded"
	StatusFailed    UploadStatus = "failed"
)

// Candidate is a file accepted into the upload session
type Candidate struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	ContentType string       `json:"content_type"`
	Size        int64        `json:"size"`
	IsPDF       bool         `json:"is_pdf"`
	Status      UploadStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	AddedAt     time.Time    `json:"added_at"`

	Data       []byte `json:"-"`
	PreviewRef string `json:"-"` // Owned by the session; released exactly once
}

// LineItem is one purchased item on a receipt
type LineItem struct {
	Name  string `json:"name"`
	Price int    `json:"price"` // Price in cents
}

// ExtractionResult is the structured data extracted from one receipt
type ExtractionResult struct {
	FileID        string     `json:"file_id"`
	Merchant      string     `json:"merchant,omitempty"`
	Date          string     `json:"date,omitempty"` // ISO 8601 when it could be parsed
	Total         int        `json:"total"`          // Total in cents
	Tax           *int       `json:"tax,omitempty"`
	Subtotal      *int       `json:"subtotal,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Items         []LineItem `json:"items"`
}

// Skipped is a file that was not accepted, with the reason
type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Notice is a failure the user should see
type Notice struct {
	Kind    string    `json:"kind"`
	FileID  string    `json:"file_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const (
	NoticeTransport   = "transport"
	NoticeUpload      = "upload"
	NoticeCorrelation = "correlation"
	NoticeExtraction  = "extraction"
)
