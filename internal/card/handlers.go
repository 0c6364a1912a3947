package card

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/card-intake/internal/extraction"
)

// maxUploadSize bounds one multipart upload. High-resolution phone photos
// of both card sides fit comfortably.
const maxUploadSize = int64(50 << 20) // 50MB

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListCards returns all tracked items with live status and progress.
func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Items())
}

// handleGetCard returns a single item.
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Card ID required", http.StatusBadRequest)
		return
	}
	item := s.pipeline.Item(id)
	if item == nil {
		corsError(w, "Card not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleAddCard accepts a multipart capture: "front" is required, "back"
// is optional. Payloads are normalized to PNG and given a preview before
// the item is queued.
func (s *Server) handleAddCard(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "Capture is too large. Maximum size is 50MB."
		}
		writeJSONError(w, http.StatusBadRequest, message)
		return
	}

	front, err := s.captureSide(r, "front")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if front == nil {
		writeJSONError(w, http.StatusBadRequest, "Front image is required")
		return
	}

	back, err := s.captureSide(r, "back")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.pipeline.Add(front, back)
	if err != nil {
		slog.Error("Error queueing card", "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.pipeline.Item(id))
}

// captureSide reads one multipart file field into a normalized
// CapturedImage. A missing field returns nil without error.
func (s *Server) captureSide(r *http.Request, field string) (*CapturedImage, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		return nil, err
	}

	contentType := detectContentType(header)
	normalized, normalizedType, err := extraction.Normalize(data, contentType)
	if err != nil {
		slog.Error("Error normalizing capture", "error", err, "filename", header.Filename)
		return nil, err
	}

	preview, err := extraction.Preview(normalized)
	if err != nil {
		// A missing thumbnail is not worth rejecting the capture.
		slog.Warn("Failed to build preview", "error", err, "filename", header.Filename)
		preview = ""
	}

	return &CapturedImage{
		FileName:    header.Filename,
		ContentType: normalizedType,
		Data:        normalized,
		Preview:     preview,
	}, nil
}

// detectContentType resolves the capture's MIME type from the part header,
// falling back to the file extension for phone uploads that omit it.
func detectContentType(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		ext := strings.ToLower(filepath.Ext(header.Filename))
		switch ext {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".gif":
			contentType = "image/gif"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// handleRetryCard re-queues a failed item.
func (s *Server) handleRetryCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Card ID required", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Retry(id); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Item(id))
}

// handleRemoveCard detaches an item from tracking.
func (s *Server) handleRemoveCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Card ID required", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Remove(id); err != nil {
		corsError(w, "Card not found", http.StatusNotFound)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleReset clears all items and the session slot.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Reset(); err != nil {
		slog.Error("Error resetting pipeline", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleStats returns the aggregated counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

// handleBatch returns the sitting's batch info once it is known.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch := s.pipeline.Batch()
	if batch == nil {
		corsError(w, "No batch assigned yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type sessionResponse struct {
	Resumable bool   `json:"resumable"`
	ItemCount int    `json:"item_count,omitempty"`
	SavedAt   string `json:"saved_at,omitempty"`
}

// handleSession reports whether an interrupted prior session can be resumed.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Resumable: s.pipeline.Resumable()}
	if prior := s.pipeline.PriorSession(); prior != nil {
		resp.ItemCount = len(prior.Items)
		resp.SavedAt = prior.SavedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResumeSession restores the interrupted session's items.
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Resume(); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Items())
}

// handleDiscardSession drops the interrupted session.
func (s *Server) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DiscardSession(); err != nil {
		slog.Error("Error discarding session", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
