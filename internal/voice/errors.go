package voice

import (
	"errors"
	"fmt"
)

// ErrSessionActive is returned by [Assistant.Start] when a session is already
// connecting or open and the conflict policy is reject.
var ErrSessionActive = errors.New("voice: a session is already active")

// CaptureError reports that the microphone could not be acquired or failed
// while the session was live. It usually wraps an *audio.DeviceError.
type CaptureError struct {
	Err error
}

// Error implements error.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("voice: capture: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *CaptureError) Unwrap() error { return e.Err }

// TransportError reports a failure of the remote voice-session collaborator.
// It is fatal to the session; there is no automatic reconnect.
type TransportError struct {
	// Op is "connect" for dial failures and "session" for failures reported
	// by the collaborator after connecting.
	Op  string
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("voice: transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }
