package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fixed per-direction sample rates. They are never negotiated at runtime.
const (
	// CaptureRate is the sample rate of microphone frames sent to the model.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of synthesised speech chunks received
	// from the model.
	PlaybackRate = 24000

	// DefaultBlockSize is the number of samples delivered per capture callback.
	DefaultBlockSize = 4096
)

// mimePrefix is the format tag shared by every PCM envelope on the wire.
const mimePrefix = "audio/pcm;rate="

// AudioFrame is one immutable unit of audio travelling to or from the model.
// Frames are created per capture block or per inbound chunk and are not
// retained after they have been encoded or decoded.
type AudioFrame struct {
	// Samples holds signed 16-bit fixed-point samples (float range [-1.0, 1.0)).
	Samples []int16

	// Encoded is the text-safe serialisation of the little-endian bytes of
	// Samples, suitable for embedding in a JSON envelope.
	Encoded string

	// SampleRate in Hz (CaptureRate outbound, PlaybackRate inbound).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Envelope returns the wire envelope for f.
func (f AudioFrame) Envelope() Chunk {
	return Chunk{MIMEType: MIMEType(f.SampleRate), Data: f.Encoded}
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is the plain-text envelope that carries an encoded frame inside a
// collaborator message: {"mimeType": "audio/pcm;rate=16000", "data": "..."}.
type Chunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// MIMEType returns the PCM format tag for the given sample rate, e.g.
// "audio/pcm;rate=16000".
func MIMEType(sampleRate int) string {
	return mimePrefix + strconv.Itoa(sampleRate)
}

// ParseMIMEType extracts the sample rate from a PCM format tag. Tags without a
// rate parameter (plain "audio/pcm") report ok=true with rate 0 so that the
// caller can apply its per-direction default.
func ParseMIMEType(mime string) (rate int, ok bool) {
	mime = strings.TrimSpace(strings.ToLower(mime))
	base, params, _ := strings.Cut(mime, ";")
	if strings.TrimSpace(base) != "audio/pcm" {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || k != "rate" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, true
}

// Buffer is a decoded block of float samples ready for output scheduling.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// DurationSeconds returns the playback length of b in seconds.
func (b Buffer) DurationSeconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
