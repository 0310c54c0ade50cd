package audio_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/brokervoice/pkg/audio"
)

func TestEncodeFrame_Half(t *testing.T) {
	t.Parallel()

	f := audio.EncodeFrame([]float32{0.5}, audio.CaptureRate)
	if len(f.Samples) != 1 || f.Samples[0] != 16384 {
		t.Fatalf("EncodeFrame(0.5) samples = %v, want [16384]", f.Samples)
	}
	// 16384 = 0x4000 → little-endian bytes 00 40 → "AEA=".
	if f.Encoded != "AEA=" {
		t.Errorf("Encoded = %q, want %q", f.Encoded, "AEA=")
	}
	if f.SampleRate != audio.CaptureRate {
		t.Errorf("SampleRate = %d, want %d", f.SampleRate, audio.CaptureRate)
	}

	got, err := audio.DecodeFrame(f.Encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(got) != 1 || got[0] != 0.5 {
		t.Errorf("DecodeFrame = %v, want [0.5]", got)
	}
}

func TestEncodeFrame_Values(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{-1, -32768},
		{-0.5, -16384},
		{0.25, 8192},
		{1.0 / 32768, 1},
		{0.99997, 32767},
		// Out-of-range input saturates instead of wrapping.
		{1.0, 32767},
		{-1.5, -32768},
	}
	for _, tt := range tests {
		f := audio.EncodeFrame([]float32{tt.in}, audio.CaptureRate)
		if f.Samples[0] != tt.want {
			t.Errorf("EncodeFrame(%v) = %d, want %d", tt.in, f.Samples[0], tt.want)
		}
	}
}

func TestCodec_RoundTripWithinQuantisation(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	in := make([]float32, audio.DefaultBlockSize)
	for i := range in {
		in[i] = r.Float32()*2 - 1 // [-1, 1)
	}

	frame := audio.EncodeFrame(in, audio.CaptureRate)
	out, err := audio.DecodeFrame(frame.Encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	const bound = 1.0 / 32768
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > bound {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, out[i], in[i], d, bound)
		}
	}
}

func TestCodec_Empty(t *testing.T) {
	t.Parallel()

	f := audio.EncodeFrame(nil, audio.CaptureRate)
	if f.Encoded != "" {
		t.Errorf("Encoded = %q, want empty", f.Encoded)
	}
	out, err := audio.DecodeFrame("")
	if err != nil {
		t.Fatalf("DecodeFrame(\"\"): %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"invalid characters", "@@@@"},
		{"truncated padding", "AEA"},
		{"odd byte count", "AAAA"}, // 3 bytes
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := audio.DecodeFrame(tt.in)
			if err == nil {
				t.Fatalf("DecodeFrame(%q) returned nil error", tt.in)
			}
			var ce *audio.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("error %v is not a *CodecError", err)
			}
			if out != nil {
				t.Errorf("expected no partial output, got %d samples", len(out))
			}
		})
	}
}

func TestEncodePCM_MatchesEncodeFrame(t *testing.T) {
	t.Parallel()

	f := audio.EncodeFrame([]float32{0.5, -0.25, 0}, audio.PlaybackRate)
	if got := audio.EncodePCM(f.Samples); got != f.Encoded {
		t.Errorf("EncodePCM = %q, want %q", got, f.Encoded)
	}
	pcm, err := audio.DecodePCM(f.Encoded)
	if err != nil {
		t.Fatalf("DecodePCM: %v", err)
	}
	for i := range pcm {
		if pcm[i] != f.Samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, pcm[i], f.Samples[i])
		}
	}
}

func TestFloatToPCM_MatchesEncodeFrame(t *testing.T) {
	t.Parallel()

	in := []float32{0.5, -1, 0.999, 1.5, -2}
	want := audio.EncodeFrame(in, audio.CaptureRate).Samples
	got := audio.FloatToPCM(in)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantRate int
		wantOK   bool
	}{
		{"audio/pcm;rate=24000", 24000, true},
		{"audio/pcm; rate=16000", 16000, true},
		{"AUDIO/PCM;RATE=16000", 16000, true},
		{"audio/pcm", 0, true},
		{"audio/pcm;rate=abc", 0, false},
		{"audio/wav", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		rate, ok := audio.ParseMIMEType(tt.in)
		if rate != tt.wantRate || ok != tt.wantOK {
			t.Errorf("ParseMIMEType(%q) = (%d, %v), want (%d, %v)", tt.in, rate, ok, tt.wantRate, tt.wantOK)
		}
	}
	if got := audio.MIMEType(audio.CaptureRate); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType(16000) = %q", got)
	}
}

func TestAudioFrame_EnvelopeAndDuration(t *testing.T) {
	t.Parallel()

	f := audio.EncodeFrame(make([]float32, 1600), audio.CaptureRate)
	env := f.Envelope()
	if env.MIMEType != "audio/pcm;rate=16000" || env.Data != f.Encoded {
		t.Errorf("Envelope = %+v", env)
	}
	if d := f.Duration(); d.Milliseconds() != 100 {
		t.Errorf("Duration = %v, want 100ms", d)
	}
	b := audio.Buffer{Samples: make([]float32, 12000), SampleRate: audio.PlaybackRate}
	if got := b.DurationSeconds(); got != 0.5 {
		t.Errorf("DurationSeconds = %v, want 0.5", got)
	}
}
