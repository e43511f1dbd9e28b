package receipt

import (
	"sync"
	"time"

	"github.com/zombor/bonscanner/internal/scanning"
)

// Session is one pass through the flow for a single image: analyze, select
// items, save. A new image starts a new session.
type Session struct {
	ID          string
	Filename    string
	ContentType string
	Photo       []byte         // the upload as received, attached to the saved row
	Image       scanning.Image // normalized for the analyzer

	Original *scanning.ReceiptData // analyzer result without line items
	Items    []scanning.LineItem
	Save     SaveState

	CreatedAt time.Time
	UpdatedAt time.Time

	mu        sync.Mutex
	analyzing bool
}

// View is a snapshot of a session as shown to the browser
type View struct {
	ID            string                `json:"id"`
	Filename      string                `json:"filename"`
	Analyzing     bool                  `json:"analyzing"`
	Analyzed      bool                  `json:"analyzed"`
	Receipt       *scanning.ReceiptData `json:"receipt,omitempty"`
	Items         []scanning.LineItem   `json:"items"`
	Itemized      bool                  `json:"itemized"`
	SelectedCount int                   `json:"selectedCount"`
	Totals        *scanning.Totals      `json:"totals,omitempty"`
	Save          SaveState             `json:"save"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// view builds a View; the caller holds s.mu
func (s *Session) view() *View {
	v := &View{
		ID:            s.ID,
		Filename:      s.Filename,
		Analyzing:     s.analyzing,
		Analyzed:      s.Original != nil,
		Items:         append([]scanning.LineItem{}, s.Items...),
		Itemized:      Itemized(s.Items),
		SelectedCount: SelectedCount(s.Items),
		Save:          s.Save,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Original != nil {
		original := *s.Original
		totals := Recompute(s.Items, original.Totals())
		v.Receipt = &original
		v.Totals = &totals
	}
	return v
}

// Sessions is the in-memory session store. Sessions idle for longer than the
// TTL are dropped the next time a session is added.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessions creates an empty store
func NewSessions(ttl time.Duration, now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      now,
	}
}

// Add stores a session and prunes expired ones
func (s *Sessions) Add(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.sessions[session.ID] = session
}

// Get returns the session with id
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Contains reports whether session is still the live session for its id
func (s *Sessions) Contains(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[session.ID] == session
}

// Remove drops a session
func (s *Sessions) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of live sessions
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Sessions) pruneLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for id, session := range s.sessions {
		session.mu.Lock()
		expired := session.UpdatedAt.Before(cutoff) && !session.analyzing && session.Save.Status != SaveLoading
		session.mu.Unlock()
		if expired {
			delete(s.sessions, id)
		}
	}
}
