package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/bonscanner/internal/baserow"
	"github.com/zombor/bonscanner/internal/metrics"
	"github.com/zombor/bonscanner/internal/scanning"
	"github.com/zombor/bonscanner/internal/settings"
)

// DefaultSessionTTL is how long an untouched session is kept
const DefaultSessionTTL = time.Hour

// IDGenerator generates unique IDs for sessions and line items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Persister saves a confirmed receipt
type Persister interface {
	SaveReceipt(ctx context.Context, creds baserow.Credentials, data *scanning.ReceiptData, photo *baserow.Photo) (*baserow.SaveResult, error)
}

// AuditLogger records the steps of the flow. It must never block or fail.
type AuditLogger interface {
	Log(ctx context.Context, creds baserow.Credentials, entry baserow.LogEntry)
}

// SettingsProvider returns the current runtime settings
type SettingsProvider interface {
	Get() settings.Settings
}

// Recorder observes collaborator outcomes
type Recorder interface {
	ObserveAnalyze(outcome string, elapsed time.Duration)
	ObserveSave(outcome string, elapsed time.Duration)
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

type nopAudit struct{}

func (nopAudit) Log(context.Context, baserow.Credentials, baserow.LogEntry) {}

type nopRecorder struct{}

func (nopRecorder) ObserveAnalyze(string, time.Duration) {}
func (nopRecorder) ObserveSave(string, time.Duration)    {}

// Deps are the collaborators of a Service. Scanner, Persister and Settings are
// required; the rest fall back to defaults.
type Deps struct {
	Scanner     scanning.Scanner
	Persister   Persister
	Settings    SettingsProvider
	Audit       AuditLogger
	Recorder    Recorder
	IDGenerator IDGenerator
	TimeSource  TimeSource
	SessionTTL  time.Duration
}

// Service drives the scan, select and save flow for each session
type Service struct {
	scanner     scanning.Scanner
	persister   Persister
	settings    SettingsProvider
	audit       AuditLogger
	recorder    Recorder
	idGenerator IDGenerator
	timeSource  TimeSource
	sessions    *Sessions
}

// NewService creates a Service
func NewService(deps Deps) *Service {
	s := &Service{
		scanner:     deps.Scanner,
		persister:   deps.Persister,
		settings:    deps.Settings,
		audit:       deps.Audit,
		recorder:    deps.Recorder,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.idGenerator == nil {
		s.idGenerator = &uuidGenerator{}
	}
	if s.timeSource == nil {
		s.timeSource = &defaultTimeSource{}
	}
	ttl := deps.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	s.sessions = NewSessions(ttl, s.timeSource.Now)
	return s
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Phone cameras produce long names
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + strings.ToLower(ext)
}

// auditCreds points audit entries at the log table, if one is configured
func auditCreds(cfg settings.Settings) baserow.Credentials {
	return baserow.Credentials{
		BaseURL: cfg.BaserowURL,
		Token:   cfg.BaserowToken,
		TableID: cfg.LogTableID,
	}
}

func (s *Service) logAudit(ctx context.Context, cfg settings.Settings, action baserow.Action, status baserow.Status, message string, err error, data any) {
	entry := baserow.LogEntry{
		Timestamp:   s.timeSource.Now(),
		Action:      action,
		Status:      status,
		Message:     message,
		ReceiptData: data,
		UserAgent:   baserow.UserAgent(ctx),
	}
	if err != nil {
		entry.ErrorDetails = err.Error()
	}
	s.audit.Log(ctx, auditCreds(cfg), entry)
}

// CreateSession starts a new session for an uploaded or captured image
func (s *Service) CreateSession(ctx context.Context, filename string, data []byte, contentType string) (*View, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}

	img, err := scanning.NormalizeImage(data, contentType)
	if err != nil {
		slog.Warn("Rejected image",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.logAudit(ctx, s.settings.Get(), baserow.ActionAppError, baserow.StatusError, "Image could not be read", err, nil)
		return nil, fmt.Errorf("%w: %w", ErrUnreadableImage, err)
	}

	now := s.timeSource.Now()
	session := &Session{
		ID:          s.idGenerator.Generate(),
		Filename:    sanitizeFilename(filename),
		ContentType: contentType,
		Photo:       data,
		Image:       img,
		Save:        NewSaveState(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if session.ContentType == "" {
		session.ContentType = img.ContentType
	}
	s.sessions.Add(session)

	slog.Info("Session created",
		"session", session.ID,
		"filename", session.Filename,
		"content_type", img.ContentType,
		"file_size", len(data),
	)

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.view(), nil
}

// View returns the current state of a session
func (s *Service) View(id string) (*View, error) {
	session, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.view(), nil
}

// Reset drops a session. A running analysis or save finishes but its result
// is discarded.
func (s *Service) Reset(id string) error {
	if err := s.sessions.Remove(id); err != nil {
		return err
	}
	slog.Info("Session reset", "session", id)
	return nil
}

// Analyze sends the session image to the scanner and initializes the item
// selection from the result
func (s *Service) Analyze(ctx context.Context, id string) (*View, error) {
	session, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	cfg := s.settings.Get()

	session.mu.Lock()
	if session.analyzing {
		session.mu.Unlock()
		s.recorder.ObserveAnalyze(metrics.OutcomeRejected, 0)
		return nil, ErrAnalysisInFlight
	}
	if session.Save.Locked() {
		session.mu.Unlock()
		s.recorder.ObserveAnalyze(metrics.OutcomeRejected, 0)
		return nil, ErrSessionLocked
	}
	if s.scanner.RequiresAPIKey() && cfg.GeminiAPIKey == "" {
		session.mu.Unlock()
		s.recorder.ObserveAnalyze(metrics.OutcomeNotConfigured, 0)
		return nil, ErrAnalyzerNotConfigured
	}
	session.analyzing = true
	req := scanning.ScanRequest{
		APIKey: cfg.GeminiAPIKey,
		Image:  session.Image,
	}
	session.mu.Unlock()

	s.logAudit(ctx, cfg, baserow.ActionAnalyzeStart, baserow.StatusInfo, "Analyzing receipt", nil, nil)

	// The scan runs to completion even if the browser goes away
	start := s.timeSource.Now()
	data, scanErr := s.scanner.ScanReceipt(context.WithoutCancel(ctx), req)
	elapsed := s.timeSource.Now().Sub(start)
	live := s.sessions.Contains(session)

	session.mu.Lock()
	defer session.mu.Unlock()
	session.analyzing = false
	session.UpdatedAt = s.timeSource.Now()

	if scanErr != nil {
		slog.Error("Failed to scan receipt",
			"session", session.ID,
			"content_type", req.Image.ContentType,
			"file_size", len(req.Image.Data),
			"error", scanErr,
		)
		s.recorder.ObserveAnalyze(metrics.OutcomeError, elapsed)
		s.logAudit(ctx, cfg, baserow.ActionAnalyzeError, baserow.StatusError, "Analysis failed", scanErr, nil)
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, scanErr)
	}

	s.recorder.ObserveAnalyze(metrics.OutcomeSuccess, elapsed)
	s.logAudit(ctx, cfg, baserow.ActionAnalyzeSuccess, baserow.StatusSuccess, "Receipt analyzed", nil, data)

	if !live {
		return nil, ErrSessionNotFound
	}

	original := *data
	original.LineItems = nil
	session.Original = &original
	session.Items = InitSelection(data.LineItems, s.idGenerator)
	// A shown save error belongs to the previous result; loading and success are kept
	session.Save = session.Save.Acknowledge()

	slog.Info("Receipt analyzed",
		"session", session.ID,
		"supplier", original.SupplierName,
		"date", original.Date,
		"total", original.TotalAmount,
		"items", len(session.Items),
	)

	return session.view(), nil
}

// ToggleItem flips the selection of one line item. A rejected toggle returns
// the unchanged view together with the error.
func (s *Service) ToggleItem(id, itemID string) (*View, error) {
	session, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Original == nil {
		return nil, ErrNotAnalyzed
	}
	if session.Save.Locked() {
		return session.view(), ErrSessionLocked
	}
	if !hasItem(session.Items, itemID) {
		return session.view(), ErrItemNotFound
	}

	items, ok := Toggle(session.Items, itemID)
	if !ok {
		return session.view(), ErrLastSelectedItem
	}
	session.Items = items
	session.Save = session.Save.Acknowledge()
	session.UpdatedAt = s.timeSource.Now()
	return session.view(), nil
}

func hasItem(items []scanning.LineItem, itemID string) bool {
	for _, item := range items {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

// Save persists the confirmed receipt. Settings and payload are checked before
// the save state changes, so a rejected save leaves the session as it was.
func (s *Service) Save(ctx context.Context, id string) (*View, error) {
	session, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	cfg := s.settings.Get()

	session.mu.Lock()
	if session.Original == nil {
		session.mu.Unlock()
		return nil, ErrNotAnalyzed
	}
	// The receipt may still be replaced by a running analysis
	if session.analyzing {
		session.mu.Unlock()
		s.recorder.ObserveSave(metrics.OutcomeRejected, 0)
		return nil, ErrAnalysisInFlight
	}
	if !cfg.HasPersistence() {
		session.mu.Unlock()
		s.recorder.ObserveSave(metrics.OutcomeNotConfigured, 0)
		return nil, ErrSettingsRequired
	}
	payload, err := BuildSavePayload(session.Original, session.Items)
	if err != nil {
		session.mu.Unlock()
		s.recorder.ObserveSave(metrics.OutcomeRejected, 0)
		return nil, err
	}
	next, err := session.Save.Begin()
	if err != nil {
		session.mu.Unlock()
		s.recorder.ObserveSave(metrics.OutcomeRejected, 0)
		return nil, err
	}
	session.Save = next
	photo := &baserow.Photo{
		Filename:    session.Filename,
		ContentType: session.ContentType,
		Data:        session.Photo,
	}
	session.mu.Unlock()

	creds := baserow.Credentials{
		BaseURL: cfg.BaserowURL,
		Token:   cfg.BaserowToken,
		TableID: cfg.TableID,
	}

	s.logAudit(ctx, cfg, baserow.ActionSaveStart, baserow.StatusInfo, "Saving receipt", nil, payload)
	if len(photo.Data) > 0 {
		s.logAudit(ctx, cfg, baserow.ActionPhotoUploadStart, baserow.StatusInfo, "Uploading photo", nil, nil)
	}

	start := s.timeSource.Now()
	result, saveErr := s.persister.SaveReceipt(context.WithoutCancel(ctx), creds, payload, photo)
	elapsed := s.timeSource.Now().Sub(start)

	if result != nil && len(photo.Data) > 0 {
		if result.PhotoErr != nil {
			s.logAudit(ctx, cfg, baserow.ActionPhotoUploadError, baserow.StatusWarning, "Photo upload failed, saved without photo", result.PhotoErr, nil)
		} else {
			s.logAudit(ctx, cfg, baserow.ActionPhotoUploadSuccess, baserow.StatusSuccess, "Photo uploaded", nil, nil)
		}
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.UpdatedAt = s.timeSource.Now()

	if saveErr != nil {
		message := saveFailureMessage(saveErr)
		session.Save = session.Save.Fail(message)
		slog.Error("Failed to save receipt",
			"session", session.ID,
			"table", creds.TableID,
			"error", saveErr,
		)
		s.recorder.ObserveSave(metrics.OutcomeError, elapsed)
		s.logAudit(ctx, cfg, baserow.ActionSaveError, baserow.StatusError, message, saveErr, payload)
		return session.view(), fmt.Errorf("%w: %w", ErrSaveFailed, saveErr)
	}

	session.Save = session.Save.Succeed()
	s.recorder.ObserveSave(metrics.OutcomeSuccess, elapsed)
	s.logAudit(ctx, cfg, baserow.ActionSaveSuccess, baserow.StatusSuccess, "Receipt saved", nil, payload)

	slog.Info("Receipt saved",
		"session", session.ID,
		"table", creds.TableID,
		"total", payload.TotalAmount,
		"items", len(payload.LineItems),
	)

	return session.view(), nil
}

// saveFailureMessage is the text shown next to the save button. Baserow's own
// detail is passed through when it sent one.
func saveFailureMessage(err error) string {
	var apiErr *baserow.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return "Saving to Baserow failed: " + apiErr.Detail
	}
	return "Saving to Baserow failed: " + err.Error()
}

// Sessions returns the number of live sessions
func (s *Service) Sessions() int {
	return s.sessions.Len()
}
