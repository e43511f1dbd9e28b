package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/bonscanner/internal/scanning"
	"github.com/zombor/bonscanner/internal/settings"
)

const (
	// maxUploadSize fits high-resolution phone photos
	maxUploadSize = int64(50 << 20)
	// multipartOverhead leaves room for the form boundaries and headers
	multipartOverhead = int64(1 << 20)
)

// Error codes sent along with the message so the front end can react
const (
	codeInvalidInput     = "invalid_input"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeSettingsRequired = "settings_required"
	codeValidation       = "validation"
	codeAnalyzerFailed   = "analyzer_failed"
	codeSaveFailed       = "save_failed"
	codeInternal         = "internal"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Session *View  `json:"session,omitempty"`
}

// statusFor maps service errors onto HTTP statuses and error codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoImage), errors.Is(err, ErrUnreadableImage):
		return http.StatusBadRequest, codeInvalidInput
	case errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest, codeInvalidInput
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrItemNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ErrAnalysisInFlight), errors.Is(err, ErrSessionLocked),
		errors.Is(err, ErrSaveInFlight), errors.Is(err, ErrAlreadySaved),
		errors.Is(err, ErrNotAnalyzed):
		return http.StatusConflict, codeConflict
	case errors.Is(err, ErrSettingsRequired), errors.Is(err, ErrAnalyzerNotConfigured):
		return http.StatusPreconditionRequired, codeSettingsRequired
	case errors.Is(err, ErrNoItemsSelected), errors.Is(err, ErrLastSelectedItem):
		return http.StatusUnprocessableEntity, codeValidation
	case errors.Is(err, ErrAnalysisFailed):
		return http.StatusBadGateway, codeAnalyzerFailed
	case errors.Is(err, ErrSaveFailed):
		return http.StatusBadGateway, codeSaveFailed
	}
	return http.StatusInternalServerError, codeInternal
}

// errorMessage is what the user sees. Save failures carry the message kept in
// the session, which includes Baserow's detail.
func errorMessage(err error, view *View) string {
	switch {
	case errors.Is(err, ErrSaveFailed) && view != nil && view.Save.Message != "":
		return view.Save.Message
	case errors.Is(err, ErrAnalysisFailed):
		var fieldErr *scanning.FieldError
		if errors.As(err, &fieldErr) {
			return ErrAnalysisFailed.Error() + " (" + fieldErr.Error() + ")"
		}
		return ErrAnalysisFailed.Error()
	case errors.Is(err, ErrUnreadableImage):
		return ErrUnreadableImage.Error()
	}
	return err.Error()
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error; view is included when the session still exists
func writeError(w http.ResponseWriter, err error, view *View) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unhandled error", "error", err)
	}
	setCORSHeaders(w)
	writeJSON(w, status, errorResponse{
		Error:   errorMessage(err, view),
		Code:    code,
		Session: view,
	})
}

// settingsResponse is the settings form payload with secrets masked
type settingsResponse struct {
	settings.Settings
	Configured    bool `json:"configured"`
	AnalyzerReady bool `json:"analyzerReady"`
}

func (s *Server) settingsPayload(cfg settings.Settings) settingsResponse {
	return settingsResponse{
		Settings:      cfg.Masked(),
		Configured:    cfg.HasPersistence(),
		AnalyzerReady: !s.service.scanner.RequiresAPIKey() || cfg.GeminiAPIKey != "",
	}
}

// handleGetSettings returns the settings with secrets masked
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsPayload(s.settings.Get()))
}

// handlePutSettings replaces the settings
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Settings
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", settings.ErrInvalid), nil)
		return
	}

	updated, err := s.settings.Update(req)
	if err != nil {
		slog.Warn("Rejected settings", "error", err)
		writeError(w, err, nil)
		return
	}

	slog.Info("Settings updated", "configured", updated.HasPersistence(), "log_table", updated.LogTableID != "")
	writeJSON(w, http.StatusOK, s.settingsPayload(updated))
}

// contentTypeFor guesses the type from the extension when the browser sent none
func contentTypeFor(filename, contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return contentType
}

// writeTooLarge reports an upload over the size limit
func (s *Server) writeTooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
		Error: fmt.Sprintf("File is too large. Maximum size is %s. Please compress or resize your image.", formatSize(s.maxUpload)),
		Code:  codeInvalidInput,
	})
}

func formatSize(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n >= 1<<10 && n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

// handleCreateSession starts a session from an uploaded or captured image
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeTooLarge(w)
			return
		}
		writeError(w, ErrNoImage, nil)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, ErrNoImage, nil)
		return
	}
	defer f.Close()

	// The request bound includes the form overhead, the file itself gets the exact limit
	if header.Size > s.maxUpload {
		slog.Warn("Rejected upload over the size limit", "filename", header.Filename, "file_size", header.Size)
		s.writeTooLarge(w)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, ErrUnreadableImage, nil)
		return
	}

	contentType := contentTypeFor(header.Filename, header.Header.Get("Content-Type"))
	view, err := s.service.CreateSession(r.Context(), header.Filename, data, contentType)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// handleGetSession returns a session snapshot
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.View(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDeleteSession resets the flow
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Reset(r.PathValue("id")); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnalyze runs the analyzer on the session image
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleToggleItem flips one item's selection
func (s *Server) handleToggleItem(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ToggleItem(r.PathValue("id"), r.PathValue("itemID"))
	if err != nil {
		writeError(w, err, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSave persists the confirmed receipt
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Save(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleHealthz reports liveness
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.service.Sessions(),
	})
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStatic serves CSS and JavaScript modules
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, ".js") {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	}
	http.StripPrefix("/static/", http.FileServer(http.FS(getStaticFS()))).ServeHTTP(w, r)
}

// handleManifest serves the PWA manifest. It is fetched without credentials.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	w.Write(manifestJSON)
}

// handleServiceWorker serves the service worker from the root scope
func (s *Server) handleServiceWorker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(serviceWorkerJS)
}
