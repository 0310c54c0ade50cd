package voice_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/brokervoice/internal/voice"
	"github.com/MrWong99/brokervoice/pkg/audio"
	audiomock "github.com/MrWong99/brokervoice/pkg/audio/mock"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

// speechChunk returns an inbound chunk of the given length at PlaybackRate.
func speechChunk(seconds float64) audio.Chunk {
	n := int(math.Round(seconds * audio.PlaybackRate))
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = 1000
	}
	return audio.Chunk{MIMEType: audio.MIMEType(audio.PlaybackRate), Data: audio.EncodePCM(pcm)}
}

func TestPlace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		now, next, dur float64
		want           voice.Placement
	}{
		{"back to back", 0.1, 0.5, 0.5, voice.Placement{Start: 0.5, End: 1.0}},
		{"late arrival", 1.3, 1.0, 0.5, voice.Placement{Start: 1.3, End: 1.8, Gap: 0.3}},
		{"exactly on time", 1.0, 1.0, 0.25, voice.Placement{Start: 1.0, End: 1.25}},
		{"empty chunk", 2.0, 2.5, 0, voice.Placement{Start: 2.5, End: 2.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := voice.Place(tt.now, tt.next, tt.dur)
			if !near(got.Start, tt.want.Start) || !near(got.End, tt.want.End) || !near(got.Gap, tt.want.Gap) {
				t.Errorf("Place(%v, %v, %v) = %+v, want %+v", tt.now, tt.next, tt.dur, got, tt.want)
			}
		})
	}
}

func TestScheduler_IrregularArrivals(t *testing.T) {
	t.Parallel()

	sink := &audiomock.OutputSink{}
	sched := voice.NewScheduler(sink)

	arrivals := []float64{0.0, 0.1, 1.3}
	wantStarts := []float64{0.0, 0.5, 1.3}
	wantGaps := []float64{0, 0, 0.3}

	for i, at := range arrivals {
		sink.SetNow(at)
		p, err := sched.Schedule(speechChunk(0.5))
		if err != nil {
			t.Fatalf("Schedule #%d: %v", i, err)
		}
		if !near(p.Start, wantStarts[i]) {
			t.Errorf("chunk %d start = %v, want %v", i, p.Start, wantStarts[i])
		}
		if math.Abs(p.Gap-wantGaps[i]) > 1e-6 {
			t.Errorf("chunk %d gap = %v, want %v", i, p.Gap, wantGaps[i])
		}
	}

	got := sink.Scheduled()
	if len(got) != 3 {
		t.Fatalf("sink got %d buffers, want 3", len(got))
	}
	for i, s := range got {
		if !near(s.At, wantStarts[i]) {
			t.Errorf("sink buffer %d at %v, want %v", i, s.At, wantStarts[i])
		}
		if s.Buffer.SampleRate != audio.PlaybackRate {
			t.Errorf("sink buffer %d rate = %d, want %d", i, s.Buffer.SampleRate, audio.PlaybackRate)
		}
	}
	if next, ok := sched.NextStart(); !ok || !near(next, 1.8) {
		t.Errorf("NextStart() = %v, %v; want 1.8, true", next, ok)
	}
}

func TestScheduler_NeverOverlapsNeverInPast(t *testing.T) {
	t.Parallel()

	sink := &audiomock.OutputSink{}
	sched := voice.NewScheduler(sink)
	r := rand.New(rand.NewPCG(1, 2))

	now := 0.0
	prevEnd := math.Inf(-1)
	for i := range 200 {
		now += r.Float64() * 0.4
		sink.SetNow(now)
		dur := float64(1+r.IntN(12000)) / audio.PlaybackRate
		p, err := sched.Schedule(speechChunk(dur))
		if err != nil {
			t.Fatalf("Schedule #%d: %v", i, err)
		}
		if p.Start < now-eps {
			t.Fatalf("chunk %d starts at %v before arrival %v", i, p.Start, now)
		}
		if p.Start < prevEnd-eps {
			t.Fatalf("chunk %d starts at %v before previous end %v", i, p.Start, prevEnd)
		}
		if p.Start > now+eps && !near(p.Start, prevEnd) {
			t.Fatalf("chunk %d waits until %v although previous ended at %v", i, p.Start, prevEnd)
		}
		prevEnd = p.End
	}
}

func TestScheduler_RejectsMalformedChunk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk audio.Chunk
	}{
		{"bad base64", audio.Chunk{MIMEType: "audio/pcm;rate=24000", Data: "!!not base64!!"}},
		{"odd length", audio.Chunk{MIMEType: "audio/pcm;rate=24000", Data: audio.EncodeBytes([]byte{1, 2, 3})}},
		{"not pcm", audio.Chunk{MIMEType: "audio/opus", Data: audio.EncodePCM([]int16{1, 2})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &audiomock.OutputSink{}
			sched := voice.NewScheduler(sink)

			_, err := sched.Schedule(tt.chunk)
			var ce *audio.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("Schedule error = %v, want *audio.CodecError", err)
			}
			if len(sink.Scheduled()) != 0 {
				t.Error("malformed chunk reached the sink")
			}
			if _, ok := sched.NextStart(); ok {
				t.Error("malformed chunk advanced the schedule")
			}
		})
	}
}

func TestScheduler_RateHandling(t *testing.T) {
	t.Parallel()

	t.Run("missing rate defaults to playback rate", func(t *testing.T) {
		t.Parallel()
		sink := &audiomock.OutputSink{}
		p, err := voice.NewScheduler(sink).Schedule(audio.Chunk{MIMEType: "audio/pcm", Data: audio.EncodePCM(make([]int16, 2400))})
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if !near(p.End, 0.1) {
			t.Errorf("End = %v, want 0.1", p.End)
		}
	})

	t.Run("other rates are resampled", func(t *testing.T) {
		t.Parallel()
		sink := &audiomock.OutputSink{}
		_, err := voice.NewScheduler(sink).Schedule(audio.Chunk{MIMEType: audio.MIMEType(16000), Data: audio.EncodePCM(make([]int16, 160))})
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		got := sink.Scheduled()
		if len(got) != 1 || len(got[0].Buffer.Samples) != 240 {
			t.Fatalf("scheduled %+v, want one buffer of 240 samples", got)
		}
	})
}

func TestScheduler_SinkErrorLeavesScheduleUntouched(t *testing.T) {
	t.Parallel()

	sink := &audiomock.OutputSink{ScheduleErr: errors.New("device gone")}
	sched := voice.NewScheduler(sink)
	sink.SetNow(0.2)

	if _, err := sched.Schedule(speechChunk(0.5)); err == nil {
		t.Fatal("expected error from failing sink")
	}
	next, _ := sched.NextStart()
	if !near(next, 0.2) {
		t.Errorf("NextStart() = %v, want 0.2", next)
	}
}

func TestScheduler_Reset(t *testing.T) {
	t.Parallel()

	sink := &audiomock.OutputSink{}
	sched := voice.NewScheduler(sink)
	if _, err := sched.Schedule(speechChunk(2)); err != nil {
		t.Fatal(err)
	}
	sched.Reset()
	sink.SetNow(0.5)
	p, err := sched.Schedule(speechChunk(0.5))
	if err != nil {
		t.Fatal(err)
	}
	if !near(p.Start, 0.5) {
		t.Errorf("Start after Reset = %v, want 0.5", p.Start)
	}
}
