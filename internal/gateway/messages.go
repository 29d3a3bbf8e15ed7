package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	// ActionGetPresignedURL asks the gateway for storage grants
	ActionGetPresignedURL = "getPresignedUrl"

	// TypePresignedURLs marks a storage grant message
	TypePresignedURLs = "presignedUrls"

	// TypeExtractText marks an extraction result message
	TypeExtractText = "extractText"
)

// FileDescriptor describes one file in an upload intent
type FileDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// UploadIntent is the only message the client sends
type UploadIntent struct {
	Action string           `json:"action"`
	Files  []FileDescriptor `json:"files"`
}

// NewUploadIntent builds a getPresignedUrl request
func NewUploadIntent(files []FileDescriptor) UploadIntent {
	return UploadIntent{
		Action: ActionGetPresignedURL,
		Files:  files,
	}
}

// Message is a message pushed by the gateway
type Message interface {
	Type() string
}

// Grant carries short-lived upload URLs keyed by file name
type Grant struct {
	FileURLs     map[string]string `json:"file_urls"`
	ConnectionID string            `json:"connectionId"`
}

func (*Grant) Type() string { return TypePresignedURLs }

// Extraction carries the raw extraction payload for one file
type Extraction struct {
	FileID string          `json:"fileId"`
	Body   json.RawMessage `json:"body"`
}

func (*Extraction) Type() string { return TypeExtractText }

type envelope struct {
	Type string `json:"type"`
}

// DecodeMessage decodes an inbound frame. Frames with an unrecognized
// type decode to a nil Message and a nil error.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	switch env.Type {
	case TypePresignedURLs:
		var grant Grant
		if err := json.Unmarshal(data, &grant); err != nil {
			return nil, fmt.Errorf("unmarshaling storage grant: %w", err)
		}
		if grant.FileURLs == nil {
			grant.FileURLs = map[string]string{}
		}
		return &grant, nil
	case TypeExtractText:
		var extraction Extraction
		if err := json.Unmarshal(data, &extraction); err != nil {
			return nil, fmt.Errorf("unmarshaling extraction: %w", err)
		}
		if extraction.FileID == "" {
			return nil, fmt.Errorf("extraction message has no fileId")
		}
		return &extraction, nil
	default:
		return nil, nil
	}
}
