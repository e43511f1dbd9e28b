// Package baserow talks to the Baserow REST API: uploading receipt photos,
// creating receipt rows and writing audit log rows.
package baserow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Credentials identify a Baserow instance and the table receipts go to
type Credentials struct {
	BaseURL string
	Token   string
	TableID string
}

// APIError is a non-2xx answer from Baserow
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("baserow API error (status %d): %s", e.StatusCode, e.Detail)
}

// FileUpload is the metadata Baserow returns for an uploaded user file
type FileUpload struct {
	URL          string `json:"url"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name,omitempty"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	IsImage      bool   `json:"is_image"`
	ImageWidth   int    `json:"image_width,omitempty"`
	ImageHeight  int    `json:"image_height,omitempty"`
	UploadedAt   string `json:"uploaded_at"`
}

// Client is a minimal Baserow API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given instance. A nil httpClient gets a
// client with a 30 second timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// UploadFile uploads a file to the user files of the token owner
func (c *Client) UploadFile(ctx context.Context, filename, contentType string, data []byte) (*FileUpload, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("writing form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	var upload FileUpload
	if err := c.do(ctx, http.MethodPost, "/api/user-files/upload-file/", writer.FormDataContentType(), &body, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}

// CreateRow creates a row using field names rather than field ids
func (c *Client) CreateRow(ctx context.Context, tableID string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}
	path := fmt.Sprintf("/api/database/rows/table/%s/?user_field_names=true", url.PathEscape(tableID))
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling baserow API: %w", err)
	}
	defer resp.Body.Close()

	slog.Debug("Baserow request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeAPIError prefers Baserow's "detail" field and falls back to the status text
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errBody struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &errBody) != nil || len(errBody.Detail) == 0 {
		return apiErr
	}

	// detail is either a string or an object of per-field messages
	var detail string
	if json.Unmarshal(errBody.Detail, &detail) == nil {
		apiErr.Detail = detail
	} else {
		apiErr.Detail = string(errBody.Detail)
	}
	return apiErr
}
