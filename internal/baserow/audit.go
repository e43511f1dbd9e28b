package baserow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Action identifies the step an audit entry belongs to
type Action string

const (
	ActionPhotoUploadStart   Action = "photo_upload_start"
	ActionPhotoUploadSuccess Action = "photo_upload_success"
	ActionPhotoUploadError   Action = "photo_upload_error"
	ActionAnalyzeStart       Action = "gemini_analyze_start"
	ActionAnalyzeSuccess     Action = "gemini_analyze_success"
	ActionAnalyzeError       Action = "gemini_analyze_error"
	ActionSaveStart          Action = "baserow_save_start"
	ActionSaveSuccess        Action = "baserow_save_success"
	ActionSaveError          Action = "baserow_save_error"
	ActionAppError           Action = "app_error"
)

// Status is the outcome recorded with an audit entry
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
	StatusInfo    Status = "info"
)

// LogEntry is one row of the audit log table
type LogEntry struct {
	Timestamp    time.Time
	Action       Action
	Status       Status
	Message      string
	ErrorDetails string
	ReceiptData  any
	UserAgent    string
}

type userAgentKey struct{}

// WithUserAgent attaches the browser user agent to ctx for audit entries
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

// UserAgent returns the user agent stored by WithUserAgent
func UserAgent(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}

// AuditLogger writes audit rows in the background. Failures are logged at
// debug level and never reach the caller.
type AuditLogger struct {
	httpClient *http.Client
	timeout    time.Duration
	wg         sync.WaitGroup
}

// NewAuditLogger creates an AuditLogger
func NewAuditLogger(httpClient *http.Client) *AuditLogger {
	return &AuditLogger{httpClient: httpClient, timeout: 10 * time.Second}
}

// Log writes entry to the table in creds. It returns immediately; an empty
// table id disables logging.
func (a *AuditLogger) Log(ctx context.Context, creds Credentials, entry LogEntry) {
	if creds.TableID == "" || creds.BaseURL == "" || creds.Token == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.UserAgent == "" {
		entry.UserAgent = UserAgent(ctx)
	}

	fields := logFields(entry)
	ctx = context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		client := NewClient(creds.BaseURL, creds.Token, a.httpClient)
		if err := client.CreateRow(ctx, creds.TableID, fields); err != nil {
			slog.Debug("Audit log write failed", "action", entry.Action, "error", err)
		}
	}()
}

// Wait blocks until every pending write has finished
func (a *AuditLogger) Wait() {
	a.wg.Wait()
}

func logFields(entry LogEntry) map[string]any {
	fields := map[string]any{
		"Timestamp":  entry.Timestamp.UTC().Format(time.RFC3339),
		"Actie":      string(entry.Action),
		"Status":     string(entry.Status),
		"Bericht":    entry.Message,
		"User Agent": entry.UserAgent,
	}
	if entry.ErrorDetails != "" {
		fields["Foutdetails"] = entry.ErrorDetails
	}
	if entry.ReceiptData != nil {
		if b, err := json.Marshal(entry.ReceiptData); err == nil {
			fields["Bondata"] = string(b)
		}
	}
	return fields
}
