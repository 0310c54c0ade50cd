package audio

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Timeline is a sample-accurate playback schedule used by output sinks. Buffers
// are placed at absolute sample positions and rendered by mixing every buffer
// that overlaps the requested window. It is safe for concurrent use.
type Timeline struct {
	mu   sync.Mutex
	rate int
	segs []segment // sorted by start
	end  int64
}

type segment struct {
	start   int64
	samples []float32
}

func (s segment) stop() int64 { return s.start + int64(len(s.samples)) }

// NewTimeline returns an empty timeline at sampleRate.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// SampleRate returns the timeline's sample rate.
func (t *Timeline) SampleRate() int { return t.rate }

// Add places buf at clock time at (seconds). A start before now (a sample
// position) is moved to now. It returns the sample position the buffer was
// placed at.
func (t *Timeline) Add(buf Buffer, at float64, now int64) (int64, error) {
	if buf.SampleRate != t.rate {
		return 0, fmt.Errorf("audio: timeline: buffer rate %d does not match sink rate %d", buf.SampleRate, t.rate)
	}
	start := int64(math.Round(at * float64(t.rate)))
	if start < now {
		start = now
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seg := segment{start: start, samples: buf.Samples}
	i := sort.Search(len(t.segs), func(i int) bool { return t.segs[i].start > start })
	t.segs = append(t.segs, segment{})
	copy(t.segs[i+1:], t.segs[i:])
	t.segs[i] = seg
	if e := seg.stop(); e > t.end {
		t.end = e
	}
	return start, nil
}

// Render mixes the window [pos, pos+len(out)) into out, overwriting it, and
// forgets buffers that finished before the window's end. Mixed samples are
// clamped to [-1, 1].
func (t *Timeline) Render(out []float32, pos int64) {
	clear(out)
	end := pos + int64(len(out))

	t.mu.Lock()
	defer t.mu.Unlock()

	keep := t.segs[:0]
	for _, s := range t.segs {
		if s.start < end && s.stop() > pos {
			from := max(s.start, pos)
			to := min(s.stop(), end)
			for p := from; p < to; p++ {
				out[p-pos] += s.samples[p-s.start]
			}
		}
		if s.stop() > end {
			keep = append(keep, s)
		}
	}
	clear(t.segs[len(keep):])
	t.segs = keep

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
}

// End returns the sample position just past the last scheduled sample.
func (t *Timeline) End() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.end
}

// Pending returns the number of buffers not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segs)
}

// Reset drops all pending buffers.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segs = nil
}
