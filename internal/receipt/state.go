package receipt

import "errors"

var (
	// ErrSaveInFlight is returned when a save is started while another is running
	ErrSaveInFlight = errors.New("receipt is already being saved")
	// ErrAlreadySaved is returned when saving a session that was saved before
	ErrAlreadySaved = errors.New("receipt has already been saved, start over with a new image")
)

// SaveStatus is the position in the save lifecycle
type SaveStatus string

const (
	SaveIdle    SaveStatus = "idle"
	SaveLoading SaveStatus = "loading"
	SaveSuccess SaveStatus = "success"
	SaveError   SaveStatus = "error"
)

// SaveState is the save lifecycle of one session:
//
//	idle -> loading -> success
//	idle -> loading -> error -> loading ...
//
// success is terminal; only a new session can save again.
type SaveState struct {
	Status  SaveStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// NewSaveState returns the idle state
func NewSaveState() SaveState {
	return SaveState{Status: SaveIdle}
}

// Begin enters loading from idle or error
func (s SaveState) Begin() (SaveState, error) {
	switch s.Status {
	case SaveLoading:
		return s, ErrSaveInFlight
	case SaveSuccess:
		return s, ErrAlreadySaved
	}
	return SaveState{Status: SaveLoading}, nil
}

// Succeed moves loading to success
func (s SaveState) Succeed() SaveState {
	if s.Status != SaveLoading {
		return s
	}
	return SaveState{Status: SaveSuccess}
}

// Fail moves loading to error, keeping message for display
func (s SaveState) Fail(message string) SaveState {
	if s.Status != SaveLoading {
		return s
	}
	return SaveState{Status: SaveError, Message: message}
}

// Acknowledge clears a shown error
func (s SaveState) Acknowledge() SaveState {
	if s.Status != SaveError {
		return s
	}
	return NewSaveState()
}

// Locked reports whether the selection may no longer change
func (s SaveState) Locked() bool {
	return s.Status == SaveLoading || s.Status == SaveSuccess
}
