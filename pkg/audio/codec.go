package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// pcmScale maps the float range [-1.0, 1.0) onto signed 16-bit integers.
const pcmScale = 32768

// CodecError reports a malformed wire frame. Decoding never returns partial
// samples alongside a CodecError.
type CodecError struct {
	// Reason describes what was wrong with the input.
	Reason string

	// Offset is the byte offset of the failure in the text input, or -1 when
	// the failure is not positional (e.g. odd payload length).
	Offset int64
}

// Error implements error.
func (e *CodecError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("audio: codec: %s at offset %d", e.Reason, e.Offset)
	}
	return "audio: codec: " + e.Reason
}

// EncodeFrame converts normalised float samples to an [AudioFrame] holding
// PCM16 samples and their base64 serialisation.
//
// Each sample s becomes round(s * 32768). Inputs outside [-1.0, 1.0) are the
// caller's responsibility; such values saturate at the int16 limits rather
// than wrapping.
func EncodeFrame(samples []float32, sampleRate int) AudioFrame {
	pcm := make([]int16, len(samples))
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := floatToPCM(s)
		pcm[i] = v
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return AudioFrame{
		Samples:    pcm,
		Encoded:    base64.StdEncoding.EncodeToString(raw),
		SampleRate: sampleRate,
	}
}

// DecodeFrame is the inverse of [EncodeFrame]: it decodes base64 text,
// interprets each little-endian byte pair as a signed 16-bit sample and
// divides by 32768. Malformed input returns a *[CodecError].
func DecodeFrame(text string) ([]float32, error) {
	pcm, err := DecodePCM(text)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / pcmScale
	}
	return out, nil
}

// DecodePCM decodes base64 text into PCM16 samples without converting them to
// floats. Adapters that need to resample integer PCM use this directly.
func DecodePCM(text string) ([]int16, error) {
	raw, err := DecodeBytes(text)
	if err != nil {
		return nil, err
	}
	return BytesToPCM(raw), nil
}

// DecodeBytes decodes base64 text into little-endian PCM16 bytes and checks
// that the payload holds a whole number of samples.
func DecodeBytes(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var cie base64.CorruptInputError
		if errors.As(err, &cie) {
			return nil, &CodecError{Reason: "invalid base64 input", Offset: int64(cie)}
		}
		return nil, &CodecError{Reason: err.Error(), Offset: -1}
	}
	if len(raw)%2 != 0 {
		return nil, &CodecError{Reason: fmt.Sprintf("odd PCM16 payload length %d", len(raw)), Offset: -1}
	}
	return raw, nil
}

// EncodePCM serialises PCM16 samples to base64 text.
func EncodePCM(samples []int16) string {
	return EncodeBytes(PCMToBytes(samples))
}

// EncodeBytes serialises little-endian PCM16 bytes to base64 text.
func EncodeBytes(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// PCMToBytes packs PCM16 samples as little-endian bytes.
func PCMToBytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return raw
}

// BytesToPCM unpacks little-endian bytes into PCM16 samples. A trailing odd
// byte is ignored.
func BytesToPCM(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// floatToPCM rounds s*32768 to the nearest integer and saturates at the int16
// limits.
func floatToPCM(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}

// FloatToPCM converts normalised float samples to PCM16 with the same
// rounding and saturation as [EncodeFrame].
func FloatToPCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToPCM(s)
	}
	return out
}
