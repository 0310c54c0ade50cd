package voice

import (
	"fmt"

	"github.com/MrWong99/brokervoice/pkg/audio"
)

// Placement is where one chunk landed on the output clock.
type Placement struct {
	// Start and End are output clock times in seconds.
	Start float64
	End   float64

	// Gap is the silence inserted before Start because the chunk arrived
	// after its predecessor finished. Zero for back-to-back chunks and for
	// the first chunk.
	Gap float64
}

// Place computes the gapless placement of a chunk of duration dur arriving
// at clock time now, given the earliest allowed start nextStart.
//
//	start = max(now, nextStart)
//	end   = start + dur
func Place(now, nextStart, dur float64) Placement {
	start := max(now, nextStart)
	return Placement{Start: start, End: start + dur, Gap: start - nextStart}
}

// Scheduler turns inbound chunks into gapless playback on an [audio.OutputSink].
//
// A Scheduler is not safe for concurrent use; the owning session touches it
// only from its event loop.
type Scheduler struct {
	sink      audio.OutputSink
	nextStart float64
	started   bool
}

// NewScheduler returns a scheduler writing to sink.
func NewScheduler(sink audio.OutputSink) *Scheduler {
	return &Scheduler{sink: sink}
}

// Schedule decodes chunk and queues it on the sink right after the previous
// chunk, or immediately if the previous chunk has already finished. Malformed
// chunks return an *audio.CodecError and leave the schedule untouched.
func (s *Scheduler) Schedule(chunk audio.Chunk) (Placement, error) {
	rate, ok := audio.ParseMIMEType(chunk.MIMEType)
	if !ok {
		return Placement{}, &audio.CodecError{Reason: fmt.Sprintf("unsupported chunk type %q", chunk.MIMEType), Offset: -1}
	}
	if rate == 0 {
		rate = audio.PlaybackRate
	}

	raw, err := audio.DecodeBytes(chunk.Data)
	if err != nil {
		return Placement{}, err
	}
	if rate != audio.PlaybackRate {
		raw = audio.ResampleMono16(raw, rate, audio.PlaybackRate)
	}
	buf := audio.Buffer{
		Samples:    audio.PCMToFloat(audio.BytesToPCM(raw)),
		SampleRate: audio.PlaybackRate,
	}

	now := s.sink.Now()
	if !s.started {
		s.nextStart = now
		s.started = true
	}
	p := Place(now, s.nextStart, buf.DurationSeconds())
	if err := s.sink.Schedule(buf, p.Start); err != nil {
		return Placement{}, fmt.Errorf("voice: schedule chunk: %w", err)
	}
	s.nextStart = p.End
	return p, nil
}

// NextStart returns the earliest time the next chunk may begin, and whether
// any chunk has been scheduled yet.
func (s *Scheduler) NextStart() (float64, bool) {
	return s.nextStart, s.started
}

// Reset forgets the schedule. The next chunk starts at the sink's current time.
func (s *Scheduler) Reset() {
	s.nextStart = 0
	s.started = false
}
