package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/zombor/receipt-scanner/internal/imaging"
)

// maxUploadBytes caps one multipart request; per-file limits are enforced by intake
const maxUploadBytes = 200 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes an {"error": message} response
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleSession returns the current session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Snapshot())
}

// handleAddFiles adds every file of a multipart form to the session
func (s *Server) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "Upload is too large. Please select fewer files."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File["files"]...)
	headers = append(headers, r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		jsonError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}

	files := make([]imaging.File, 0, len(headers))
	for _, header := range headers {
		data, err := readFormFile(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		files = append(files, imaging.File{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	// Conversions finish even if the browser goes away
	report, err := s.service.AddFiles(context.WithoutCancel(r.Context()), files)
	if err != nil {
		slog.Error("Error adding files", "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report.Added == nil {
		report.Added = []Candidate{}
	}
	if report.Skipped == nil {
		report.Skipped = []Skipped{}
	}

	code := http.StatusOK
	if len(report.Added) > 0 {
		code = http.StatusCreated
	}
	writeJSON(w, code, report)
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleRemoveFile removes a candidate
func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	if !s.service.RemoveFile(r.PathValue("id")) {
		jsonError(w, "File not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectFile selects a candidate for preview
func (s *Server) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	if !s.service.SelectFile(r.PathValue("id")) {
		jsonError(w, "File not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview returns the preview image of a candidate
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, contentType, err := s.service.Preview(id)
	if err != nil {
		if !errors.Is(err, ErrUnknownFile) && !errors.Is(err, ErrPreviewNotFound) {
			slog.Error("Error getting preview", "file_id", id, "error", err)
		}
		jsonError(w, "Preview not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleSubmit sends the session to the gateway
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	err := s.service.Submit(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.service.Snapshot())
	case errors.Is(err, ErrConverting):
		jsonError(w, "Files are still being converted. Please wait.", http.StatusConflict)
	case errors.Is(err, ErrNoFiles):
		jsonError(w, "No files selected", http.StatusBadRequest)
	case errors.Is(err, ErrChannelClosed):
		jsonError(w, "Not connected to the scanning service", http.StatusServiceUnavailable)
	default:
		slog.Error("Error submitting files", "error", err)
		jsonError(w, err.Error(), http.StatusBadGateway)
	}
}

// handleReset clears the session and its results
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.service.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect opens a new channel to the gateway
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.service.Connect(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNoGateway):
		jsonError(w, "No gateway configured", http.StatusBadRequest)
	default:
		jsonError(w, err.Error(), http.StatusBadGateway)
	}
}

// handleResults returns the extraction results collected so far
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Results())
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}
