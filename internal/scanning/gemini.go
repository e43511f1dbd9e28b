package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// ErrAPIKeyRequired is returned when neither the request nor the scanner carries a Gemini key
var ErrAPIKeyRequired = errors.New("gemini api key is required")

// Gemini implements the Scanner interface using Google Gemini. Clients are
// created lazily per API key because the key can be changed at runtime.
type Gemini struct {
	defaultKey string
	modelName  string
	timeout    time.Duration

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates a new Gemini Scanner instance. The API key may be empty
// when every request supplies its own.
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	return &Gemini{
		defaultKey: strings.TrimSpace(apiKey),
		modelName:  modelName,
		timeout:    60 * time.Second,
		clients:    make(map[string]*genai.Client),
	}, nil
}

// RequiresAPIKey reports true only when no startup key was configured
func (g *Gemini) RequiresAPIKey() bool {
	return g.defaultKey == ""
}

func (g *Gemini) resolveKey(requestKey string) (string, error) {
	if key := strings.TrimSpace(requestKey); key != "" {
		return key, nil
	}
	if g.defaultKey != "" {
		return g.defaultKey, nil
	}
	return "", ErrAPIKeyRequired
}

func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[apiKey]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	g.clients[apiKey] = client
	return client, nil
}

// ScanReceipt analyzes a receipt and extracts its fields
func (g *Gemini) ScanReceipt(ctx context.Context, req ScanRequest) (*ReceiptData, error) {
	apiKey, err := g.resolveKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	img := req.Image
	if err := img.check(); err != nil {
		return nil, err
	}

	client, err := g.client(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	model := client.GenerativeModel(g.modelName)
	model.SetTemperature(0)

	// genai.ImageData expects the format suffix ("png"), not the full MIME type
	format := strings.TrimPrefix(img.ContentType, "image/")
	resp, err := model.GenerateContent(ctx,
		genai.ImageData(format, img.Data),
		genai.Text(receiptScanPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrMalformedResponse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	data, err := parseReceiptJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// Close closes every Gemini client that was created
func (g *Gemini) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for key, client := range g.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(g.clients, key)
	}
	return errors.Join(errs...)
}
