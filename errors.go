package phantomlink

import "errors"

// Sentinel errors realizing the taxonomy of spec.md §7. httpapi maps these
// to status codes with errors.Is; DatasetReadError/BackpressureSlip never
// cross this boundary as returned errors — they are internal signals
// recorded into a session's statistics and logged once.
var (
	// ErrConfigError marks invalid settings discovered at startup. Fatal.
	ErrConfigError = errors.New("phantomlink: invalid configuration")

	// ErrDatasetUnavailable marks a required dataset that is missing or
	// unreadable. Fatal at startup: cmd/phantomlinkd exits before serving,
	// so no request is ever answered with it.
	ErrDatasetUnavailable = errors.New("phantomlink: dataset unavailable")

	// ErrSessionNotFound is returned by SessionManager.Get/Delete for an
	// unknown code.
	ErrSessionNotFound = errors.New("phantomlink: session not found")

	// ErrSessionBusy is returned by SessionManager.Delete when the session
	// has live connections.
	ErrSessionBusy = errors.New("phantomlink: session busy")

	// ErrEndOfStream is returned by PlaybackEngine.Next when the cursor
	// reaches the end of the dataset and the caller has not looped.
	ErrEndOfStream = errors.New("phantomlink: end of stream")

	// ErrEngineStopped is returned by PlaybackEngine.Next once Stop has
	// been observed by the tick loop.
	ErrEngineStopped = errors.New("phantomlink: engine stopped")
)
