package receipt

import "errors"

// Input errors
var (
	ErrNoImage         = errors.New("no image selected")
	ErrUnreadableImage = errors.New("the image could not be read")
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found, start over with a new image")
	ErrNotAnalyzed     = errors.New("receipt has not been analyzed yet")
	ErrSessionLocked   = errors.New("receipt is being saved or has been saved")
)

// Analyzer errors
var (
	ErrAnalysisInFlight      = errors.New("receipt is already being analyzed")
	ErrAnalyzerNotConfigured = errors.New("an analyzer API key is required, open the settings")
	ErrAnalysisFailed        = errors.New("the receipt could not be analyzed, try a sharper photo")
)

// Selection errors
var (
	ErrItemNotFound     = errors.New("item not found")
	ErrLastSelectedItem = errors.New("at least one item must stay selected")
)

// Persistence errors
var (
	ErrSettingsRequired = errors.New("Baserow settings are required before saving")
	ErrSaveFailed       = errors.New("saving the receipt failed")
)
