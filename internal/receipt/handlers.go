package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const maxUploadSize = int64(50 << 20) // 50MB

// urisRequest selects images by URI
type urisRequest struct {
	URIs []string `json:"uris" validate:"required,min=1,dive,required"`
}

// analyzeRequest may select nothing; the inbox reports that to the user
type analyzeRequest struct {
	URIs []string `json:"uris" validate:"dive,required"`
}

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
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// decodeBody decodes and validates a JSON request body, writing a 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleUploadImage stores an uploaded image and adds it to the inbox
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	ref, err := s.service.ImportImage(header.Filename, data)
	if err != nil {
		slog.Error("Error importing image", "filename", header.Filename, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedImage) {
			code = http.StatusBadRequest
		}
		writeJSONError(w, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ref)
}

// handleGetImageFile returns the stored bytes of an image
func (s *Server) handleGetImageFile(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		corsError(w, "Image URI required", http.StatusBadRequest)
		return
	}
	data, contentType, err := s.service.ImageFile(uri)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListImages returns all stored images
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.service.ListImages(r.Context())
	if err != nil {
		slog.Error("Error listing images", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// handleStream sends a server-sent event with every snapshot from watch until
// the client goes away
func (s *Server) handleStream(watch func(context.Context) (<-chan []ImageWithAnalysis, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			corsError(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		snapshots, err := watch(r.Context())
		if err != nil {
			slog.Error("Error subscribing to snapshots", "error", err)
			corsError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for snapshot := range snapshots {
			data, err := json.Marshal(snapshot)
			if err != nil {
				slog.Error("Error encoding snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				slog.Debug("Stream client went away", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleGetInbox returns the pending images and the analyzing flag
func (s *Server) handleGetInbox(w http.ResponseWriter, r *http.Request) {
	entries, analyzing := s.service.Inbox()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"analyzing": analyzing,
	})
}

// handleRemoveFromInbox drops the selected images from the inbox
func (s *Server) handleRemoveFromInbox(w http.ResponseWriter, r *http.Request) {
	var req urisRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.service.RemoveFromInbox(r.Context(), req.URIs); err != nil {
		slog.Error("Error removing images from inbox", "error", err)
		corsError(w, "Error removing images", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearInbox drops every pending image
func (s *Server) handleClearInbox(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearInbox(r.Context()); err != nil {
		slog.Error("Error clearing inbox", "error", err)
		corsError(w, "Error clearing inbox", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnalyzeInbox starts analysis of the selected images in the background
func (s *Server) handleAnalyzeInbox(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	err := s.service.AnalyzeInbox(s.baseCtx, req.URIs)
	switch {
	case errors.Is(err, ErrNothingSelected):
		writeJSONError(w, http.StatusBadRequest, "No images selected for analysis")
		return
	case errors.Is(err, ErrAnalysisInProgress):
		writeJSONError(w, http.StatusConflict, "Analysis already in progress")
		return
	case err != nil:
		slog.Error("Error starting analysis", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Error starting analysis")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"analyzing": true})
}

// handleNotifications returns and clears pending notifications
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.notifications.Drain())
}

// handleListReceipts returns stored receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context())
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleSummary returns receipts grouped by period with category totals
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Summary(r.Context())
	if err != nil {
		slog.Error("Error building summary", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleExport returns stored receipts as a spreadsheet
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.service.Export(r.Context(), &buf); err != nil {
		slog.Error("Error exporting receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.Write(buf.Bytes())
}

// handleRemoveReceipts deletes the selected receipts
func (s *Server) handleRemoveReceipts(w http.ResponseWriter, r *http.Request) {
	var req urisRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.service.RemoveReceipts(r.Context(), req.URIs); err != nil {
		slog.Error("Error removing receipts", "error", err)
		corsError(w, "Error removing receipts", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearReceipts deletes every stored receipt
func (s *Server) handleClearReceipts(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveAllReceipts(r.Context()); err != nil {
		slog.Error("Error removing receipts", "error", err)
		corsError(w, "Error removing receipts", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
