// Package audio defines the audio data model, the PCM16 frame codec, and the
// device boundary used by the brokervoice live voice-session engine.
//
// The device boundary consists of two pairs of interfaces:
//
//   - [InputDevice] opens a fixed-rate [InputStream] that delivers blocks of
//     normalised float samples, one block per capture callback.
//   - [OutputDevice] opens an [OutputSink] that exposes a monotonic [Clock]
//     and a "schedule buffer to start at time T" primitive.
//
// Implementations are provided by adapter packages (audio/portaudio,
// audio/wavfile, audio/mock). Handles are exclusively owned by whoever opened
// them and must be closed exactly once; Close implementations are idempotent.
//
// This package lives under pkg/ because third-party device adapters are
// expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
)

// Device acquisition failure classes. A [DeviceError] wraps one of these.
var (
	// ErrDeviceUnavailable means no matching device exists or it could not be opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrPermissionDenied means the platform refused access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceBusy means the device is exclusively held by another owner.
	ErrDeviceBusy = errors.New("audio: device busy")
)

// DeviceError reports a failure to acquire or drive a microphone or speaker.
// It is fatal to the attempted operation and never retried automatically.
type DeviceError struct {
	// Op is the operation that failed, e.g. "open input" or "open output".
	Op string

	// Device is the requested device name; empty means the platform default.
	Device string

	// Err is the underlying cause. It usually wraps one of the Err* sentinels.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return "audio: " + e.Op + " (" + dev + "): " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// InputConfig describes the stream requested from an [InputDevice].
type InputConfig struct {
	// SampleRate in Hz. The engine always requests [CaptureRate].
	SampleRate int

	// BlockSize is the number of samples per delivered block.
	BlockSize int
}

// InputStream is a live, fixed-rate capture stream.
type InputStream interface {
	// Blocks returns the channel on which captured sample blocks are delivered
	// in capture order. Each block has exactly BlockSize samples and is owned by
	// the receiver. The channel is closed when the stream stops, either
	// because Close was called or because the device failed.
	Blocks() <-chan []float32

	// Err returns the error that stopped the stream, or nil after a clean Close.
	Err() error

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// InputDevice acquires exclusive use of a microphone.
type InputDevice interface {
	// OpenInput acquires the device and starts capture. Acquisition failure is
	// reported as a *[DeviceError].
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)
}

// Clock is a monotonic output-device clock measured in seconds since the sink
// was opened.
type Clock interface {
	Now() float64
}

// OutputSink is an open speaker that plays buffers at scheduled clock times.
type OutputSink interface {
	Clock

	// Schedule queues buf to begin playing at clock time at. Buffers scheduled
	// for a time already in the past start immediately. Implementations must
	// not block on playback.
	Schedule(buf Buffer, at float64) error

	// Close stops all pending output and releases the device. Safe to call
	// more than once.
	Close() error
}

// OutputDevice acquires exclusive use of a speaker.
type OutputDevice interface {
	// OpenOutput acquires the device for mono output at sampleRate. Acquisition
	// failure is reported as a *[DeviceError].
	OpenOutput(ctx context.Context, sampleRate int) (OutputSink, error)
}
