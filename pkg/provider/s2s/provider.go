// Package s2s defines the contract for the remote conversational voice engine
// that a live voice session talks to.
//
// A provider wraps a real-time speech-to-speech service (Gemini Live, OpenAI
// Realtime, ...). [Provider.Connect] dials the service and returns a
// [SessionHandle] whose lifecycle is reported as an ordered stream of
// [Event] values: exactly one [EventOpened] once the service accepted the
// session configuration, any number of [EventMessage], and finally one
// [EventClosed] or [EventError]. The Events channel is closed after the
// terminal event.
//
// SendAudio must never block the caller: implementations queue outbound
// frames on a bounded internal writer and report [ErrBackpressure] when that
// queue is full.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/brokervoice/pkg/audio"
)

// Errors returned by [SessionHandle.SendAudio].
var (
	// ErrBackpressure means the outbound queue is full; the frame was not sent.
	ErrBackpressure = errors.New("s2s: outbound queue full")

	// ErrClosed means the session has been closed.
	ErrClosed = errors.New("s2s: session closed")
)

// Modality selects the kind of response the model produces.
type Modality string

const (
	// ModalityAudio requests synthesised speech. It is the only modality the
	// voice-session engine uses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text-only responses.
	ModalityText Modality = "TEXT"
)

// SessionConfig is the enumerated configuration for a new session.
type SessionConfig struct {
	// Model overrides the provider's default model identity. Empty selects
	// the provider default.
	Model string

	// Modality is the desired inbound modality. Zero value means audio.
	Modality Modality

	// Voice is the prebuilt voice name. Must be one of the provider's
	// [Capabilities.Voices] or empty for the provider default.
	Voice string

	// Language is an optional BCP-47 language code for speech output.
	Language string

	// Instructions is an optional system instruction.
	Instructions string
}

// ResponseModality returns the effective modality.
func (c SessionConfig) ResponseModality() Modality {
	if c.Modality == "" {
		return ModalityAudio
	}
	return c.Modality
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names accepted in [SessionConfig.Voice].
	Voices []string

	// InputRate is the sample rate the provider expects for outbound audio
	// after adapter-side conversion. Capture always produces [audio.CaptureRate].
	InputRate int

	// OutputRate is the sample rate of inbound audio chunks.
	OutputRate int

	// MaxSessionDurationMs is the provider's hard session limit; zero means
	// no documented limit.
	MaxSessionDurationMs int
}

// SupportsVoice reports whether voice is valid for this provider. The empty
// string always is.
func (c Capabilities) SupportsVoice(voice string) bool {
	if voice == "" {
		return true
	}
	for _, v := range c.Voices {
		if v == voice {
			return true
		}
	}
	return false
}

// EventKind classifies collaborator lifecycle events.
type EventKind int

const (
	// EventOpened is emitted once the remote side accepted the session.
	EventOpened EventKind = iota

	// EventMessage carries one inbound message.
	EventMessage

	// EventClosed is emitted when the remote side ended the session cleanly.
	EventClosed

	// EventError is emitted when the session failed. It is terminal.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle callback from the collaborator.
type Event struct {
	Kind EventKind

	// Message is set for [EventMessage].
	Message *Message

	// Err is set for [EventError].
	Err error

	// Reason optionally describes why the session closed.
	Reason string
}

// Message is one inbound message. Audio holds zero or more embedded PCM16
// chunks still in their base64 text form; decoding is the receiver's job so
// that a malformed chunk can be dropped without affecting the others.
type Message struct {
	// Audio holds the embedded audio chunks in delivery order.
	Audio []audio.Chunk

	// Text is model text output, if any.
	Text string

	// InputTranscript is the model's recognition of the user's speech, if any.
	InputTranscript string

	// OutputTranscript is the text version of the model's spoken output, if any.
	OutputTranscript string

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// Interrupted marks a model turn cut short by user barge-in.
	Interrupted bool

	// Raw is the untouched provider payload for the hosting UI.
	Raw json.RawMessage
}

// HasNonAudio reports whether m carries anything besides audio.
func (m *Message) HasNonAudio() bool {
	return m.Text != "" || m.InputTranscript != "" || m.OutputTranscript != "" ||
		m.TurnComplete || m.Interrupted
}

// RemoteError is an error reported by the remote side in-band.
type RemoteError struct {
	Provider string
	Code     string
	Message  string
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote error %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Provider, e.Message)
}

// SessionHandle is one open bidirectional session.
type SessionHandle interface {
	// SendAudio queues one outbound frame envelope. It never blocks; see
	// [ErrBackpressure] and [ErrClosed].
	SendAudio(chunk audio.Chunk) error

	// Events returns the ordered lifecycle stream. Consumers must drain it
	// promptly; the provider's receive loop blocks while it is full.
	Events() <-chan Event

	// Close terminates the session and releases the transport. Calling Close
	// more than once is safe and returns nil. No event is emitted for a
	// locally initiated close beyond closing the Events channel.
	Close() error
}

// Provider opens sessions with a remote conversational voice engine.
type Provider interface {
	// Connect dials the service and sends the session configuration. The
	// returned handle is Connecting until it emits [EventOpened].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
