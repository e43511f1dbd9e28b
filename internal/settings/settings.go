package settings

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// DefaultBaserowURL is the hosted Baserow API
const DefaultBaserowURL = "https://api.baserow.io"

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid settings")

// Settings is the runtime configuration edited through the settings form
type Settings struct {
	GeminiAPIKey string `json:"geminiApiKey"`
	BaserowURL   string `json:"apiUrl"`
	BaserowToken string `json:"apiKey"`
	TableID      string `json:"tableId"`
	LogTableID   string `json:"logTableId,omitempty"`
}

// HasPersistence reports whether receipts can be saved to Baserow
func (s Settings) HasPersistence() bool {
	return s.BaserowURL != "" && s.BaserowToken != "" && s.TableID != ""
}

// Normalized trims whitespace and defaults the Baserow URL
func (s Settings) Normalized() Settings {
	s.GeminiAPIKey = strings.TrimSpace(s.GeminiAPIKey)
	s.BaserowURL = strings.TrimRight(strings.TrimSpace(s.BaserowURL), "/")
	s.BaserowToken = strings.TrimSpace(s.BaserowToken)
	s.TableID = strings.TrimSpace(s.TableID)
	s.LogTableID = strings.TrimSpace(s.LogTableID)
	if s.BaserowURL == "" {
		s.BaserowURL = DefaultBaserowURL
	}
	return s
}

// Validate checks the values the user can get wrong in the form
func (s Settings) Validate() error {
	if s.BaserowURL != "" {
		u, err := url.Parse(s.BaserowURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: apiUrl must be an http(s) URL", ErrInvalid)
		}
	}
	if s.TableID != "" && !isDigits(s.TableID) {
		return fmt.Errorf("%w: tableId must be numeric", ErrInvalid)
	}
	if s.LogTableID != "" && !isDigits(s.LogTableID) {
		return fmt.Errorf("%w: logTableId must be numeric", ErrInvalid)
	}
	return nil
}

// Masked hides secrets so settings can be shown to the browser
func (s Settings) Masked() Settings {
	s.GeminiAPIKey = Mask(s.GeminiAPIKey)
	s.BaserowToken = Mask(s.BaserowToken)
	return s
}

// Mask keeps the last four characters of a secret
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "••••"
	}
	return "••••" + secret[len(secret)-4:]
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Store persists settings
type Store interface {
	// Load returns the stored settings, or zero settings if none were saved
	Load() (Settings, error)

	// Save replaces the stored settings
	Save(s Settings) error
}

// Manager holds the current settings. They are loaded once at startup and
// written through to the store on every update.
type Manager struct {
	store Store

	mu      sync.RWMutex
	current Settings
}

// NewManager loads settings from the store
func NewManager(store Store) (*Manager, error) {
	s, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return &Manager{store: store, current: s.Normalized()}, nil
}

// Get returns a copy of the current settings
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates and persists new settings. Secret fields that still hold
// their masked value, as sent back by the settings form, keep the stored secret.
func (m *Manager) Update(s Settings) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.GeminiAPIKey != "" && s.GeminiAPIKey == Mask(m.current.GeminiAPIKey) {
		s.GeminiAPIKey = m.current.GeminiAPIKey
	}
	if s.BaserowToken != "" && s.BaserowToken == Mask(m.current.BaserowToken) {
		s.BaserowToken = m.current.BaserowToken
	}

	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	if err := m.store.Save(s); err != nil {
		return Settings{}, fmt.Errorf("saving settings: %w", err)
	}
	m.current = s
	return s, nil
}
