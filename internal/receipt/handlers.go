package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/receipt-review/internal/blob"
	"github.com/zombor/receipt-review/internal/export"
	"github.com/zombor/receipt-review/internal/extraction"
	"github.com/zombor/receipt-review/internal/review"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusForError maps service errors onto HTTP status codes
func statusForError(err error) int {
	var serviceErr *export.ServiceError
	switch {
	case errors.Is(err, review.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, extraction.ErrMalformedPayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, review.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrNoRecord):
		return http.StatusConflict
	case errors.Is(err, review.ErrExportInFlight):
		return http.StatusConflict
	case errors.Is(err, export.ErrMissingCredentials):
		return http.StatusBadRequest
	case errors.Is(err, blob.ErrUploadFailed):
		return http.StatusBadGateway
	case errors.As(err, &serviceErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes a JSON error with the status the error maps to
func serviceError(w http.ResponseWriter, err error) {
	message := err.Error()
	if errors.Is(err, blob.ErrUploadFailed) {
		message = "Image upload failed: " + message
	}
	jsonError(w, message, statusForError(err))
}

// handleCreateSession starts a new empty review session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, view := s.service.CreateSession()

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"state":      view,
	})
}

// handleGetSession returns the session's current state view
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.View(r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleLoadRecord runs extraction on recognized text and loads the
// result into the session
func (s *Server) handleLoadRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, "No recognized text provided", http.StatusBadRequest)
		return
	}

	view, err := s.service.LoadRecord(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		slog.Error("Error loading record", "session", r.PathValue("id"), "error", err)
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSetReviewDate cascades a new date to the record and all items
func (s *Server) handleSetReviewDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.service.SetReviewDate(r.PathValue("id"), req.Date)
	if err != nil {
		if errors.Is(err, review.ErrSessionNotFound) || errors.Is(err, review.ErrNoRecord) {
			serviceError(w, err)
			return
		}
		jsonError(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleToggleAll flips the whole selection mask
func (s *Server) handleToggleAll(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ToggleAll(r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleToggleItem flips one item's selection
func (s *Server) handleToggleItem(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonError(w, "Invalid item index", http.StatusBadRequest)
		return
	}

	view, err := s.service.ToggleItem(r.PathValue("id"), index)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEditItem updates one field of one item
func (s *Server) handleEditItem(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonError(w, "Invalid item index", http.StatusBadRequest)
		return
	}

	var req struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	field, ok := parseField(req.Field)
	if !ok {
		jsonError(w, "Unknown field: "+req.Field, http.StatusBadRequest)
		return
	}

	view, err := s.service.EditItem(r.PathValue("id"), index, field, req.Value)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleAddItem appends a blank item to the record
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.AddItem(r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleExport dispatches the selected items to the external database
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		if result != nil {
			// Partial failure: written rows stay written, report which
			// items failed alongside the error
			setCORSHeaders(w)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetSettings returns the stored credentials and field labels.
// The token is reported by presence only.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	hasToken, databaseID, err := s.service.Credentials()
	if err != nil {
		slog.Error("Error reading settings", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	labels, err := s.service.FieldLabels()
	if err != nil {
		slog.Error("Error reading settings", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"has_token":   hasToken,
		"database_id": databaseID,
		"labels":      labels,
	})
}

// handlePutSettings stores credentials and field label renames. When a
// session id is given, label renames also apply to that live session.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token            string `json:"notion_token"`
		DatabaseID       string `json:"notion_database_id"`
		SessionID        string `json:"session_id"`
		DescriptionLabel string `json:"description_label"`
		PriceLabel       string `json:"price_label"`
		DateLabel        string `json:"date_label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.SaveCredentials(req.Token, req.DatabaseID); err != nil {
		slog.Error("Error saving settings", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	renames := map[review.Field]string{
		review.FieldDescription: req.DescriptionLabel,
		review.FieldPrice:       req.PriceLabel,
		review.FieldDate:        req.DateLabel,
	}
	for field, label := range renames {
		if label == "" {
			continue
		}
		if err := s.service.SaveLabel(req.SessionID, field, label); err != nil {
			serviceError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUploadURL returns a presigned PUT credential for a receipt image
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		jsonError(w, "filename is required", http.StatusBadRequest)
		return
	}
	contentType := r.URL.Query().Get("contentType")
	if contentType == "" {
		contentType = contentTypeForFilename(filename)
	}

	upload, err := s.service.PresignUpload(r.Context(), filename, contentType)
	if err != nil {
		jsonError(w, "Error creating upload URL", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// handleFeedback accepts a multipart feedback report: the receipt image,
// the recognized text, and a free-text comment
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	// 50MB cap to handle high-resolution phone photos
	maxFormSize := int64(50 << 20)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeForFilename(header.Filename)
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	sessionID := r.FormValue("session_id")
	comment := r.FormValue("comment")
	ocrText := r.FormValue("ocr_text")

	url, err := s.service.RecordFeedback(r.Context(), sessionID, data, contentType, ocrText, comment)
	if err != nil {
		serviceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"image_url": url})
}

// parseField maps a request field name onto an editable review field.
// Dates are not edited per item, they cascade through the review date.
func parseField(name string) (review.Field, bool) {
	switch review.Field(name) {
	case review.FieldDescription, review.FieldPrice:
		return review.Field(name), true
	default:
		return "", false
	}
}

// contentTypeForFilename guesses a MIME type from the file extension
func contentTypeForFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
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
