// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice], and [audio.OutputSink]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. The output sink's clock is
// advanced manually, which makes playback scheduling fully deterministic.
//
// Typical usage:
//
//	in := mock.NewInputStream(8)
//	dev := &mock.InputDevice{Stream: in}
//	sink := &mock.OutputSink{}
//	out := &mock.OutputDevice{Sink: sink}
//	in.Push(make([]float32, 4096))
//	sink.SetNow(0.25)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/brokervoice/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by OpenInput. When nil, a new buffered stream is
	// created per call.
	Stream *InputStream

	// OpenErr, if non-nil, is returned by OpenInput instead of a stream.
	OpenErr error

	// OpenCalls records the config passed to every OpenInput call.
	OpenCalls []audio.InputConfig

	// Opened records every stream handed out, in order.
	Opened []*InputStream
}

// OpenInput records the call and returns Stream or OpenErr.
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := d.Stream
	if s == nil {
		s = NewInputStream(16)
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// OpenCount returns how many times OpenInput succeeded.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Opened)
}

// InputStream is a mock implementation of [audio.InputStream]. Use Push to
// simulate capture callbacks.
type InputStream struct {
	mu         sync.Mutex
	blocks     chan []float32
	closed     bool
	err        error
	closeCalls int
}

// NewInputStream returns a stream whose block channel has the given buffer.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{blocks: make(chan []float32, buffer)}
}

// Push delivers one captured block. It reports false when the stream is
// already closed or its buffer is full; Push never blocks.
func (s *InputStream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.blocks <- block:
		return true
	default:
		return false
	}
}

// Fail stops the stream with err, as a device failure would.
func (s *InputStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.blocks)
}

// Blocks implements [audio.InputStream].
func (s *InputStream) Blocks() <-chan []float32 { return s.blocks }

// Err implements [audio.InputStream].
func (s *InputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.InputStream]. It records every call.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the stream has been released.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Sink is returned by OpenOutput. When nil, a new sink is created per call.
	Sink *OutputSink

	// OpenErr, if non-nil, is returned by OpenOutput instead of a sink.
	OpenErr error

	// OpenRates records the sample rate passed to every OpenOutput call.
	OpenRates []int

	// Opened records every sink handed out, in order.
	Opened []*OutputSink
}

// OpenOutput records the call and returns Sink or OpenErr.
func (d *OutputDevice) OpenOutput(_ context.Context, sampleRate int) (audio.OutputSink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenRates = append(d.OpenRates, sampleRate)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := d.Sink
	if s == nil {
		s = &OutputSink{}
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// OpenCount returns how many times OpenOutput succeeded.
func (d *OutputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Opened)
}

// Scheduled records one call to [OutputSink.Schedule].
type Scheduled struct {
	Buffer audio.Buffer

	// At is the requested start time.
	At float64

	// CalledAt is the sink clock value when Schedule was called.
	CalledAt float64
}

// OutputSink is a mock implementation of [audio.OutputSink] with a manually
// driven clock.
type OutputSink struct {
	mu sync.Mutex

	now        float64
	scheduled  []Scheduled
	closeCalls int
	notify     chan struct{}

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error
}

// SetNow sets the clock to t seconds.
func (s *OutputSink) SetNow(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the clock forward by d seconds.
func (s *OutputSink) Advance(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Now implements [audio.Clock].
func (s *OutputSink) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [audio.OutputSink]. It records the call and signals
// any channel returned by ScheduledNotify.
func (s *OutputSink) Schedule(buf audio.Buffer, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleErr != nil {
		return s.ScheduleErr
	}
	s.scheduled = append(s.scheduled, Scheduled{Buffer: buf, At: at, CalledAt: s.now})
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// ScheduledNotify returns a channel that receives a value after each
// successful Schedule call (coalesced when the receiver is slow).
func (s *OutputSink) ScheduledNotify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}

// Scheduled returns a copy of every recorded Schedule call.
func (s *OutputSink) Scheduled() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, len(s.scheduled))
	copy(out, s.scheduled)
	return out
}

// Close implements [audio.OutputSink]. It records every call.
func (s *OutputSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *OutputSink) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Compile-time interface checks.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.OutputSink   = (*OutputSink)(nil)
)
