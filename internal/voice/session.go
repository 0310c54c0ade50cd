// Package voice implements the live voice-session engine: the capture
// pipeline that frames microphone audio for the remote collaborator, the
// playback scheduler that renders inbound speech gaplessly, and the session
// state machine that owns the devices and the transport for one conversation.
//
// A [Session] runs a single event loop goroutine. Collaborator events,
// outbound frames, and the stop signal are all handled there, so the playback
// schedule and the session state are never mutated concurrently.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// defaultUpdateBuffer is the capacity of a session's UI update channel.
const defaultUpdateBuffer = 64

// Deps holds the collaborators a session needs.
type Deps struct {
	// Provider dials the remote voice-session collaborator.
	Provider s2s.Provider

	// Input and Output are the microphone and speaker.
	Input  audio.InputDevice
	Output audio.OutputDevice

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Config is the per-session configuration.
type Config struct {
	// Session is forwarded to the collaborator.
	Session s2s.SessionConfig

	// BlockSize is the capture block size in samples. Default
	// [audio.DefaultBlockSize].
	BlockSize int

	// PreOpenQueue bounds the outbound frame queue. Default
	// [DefaultPreOpenQueue].
	PreOpenQueue int

	// UpdateBuffer bounds the UI update channel. Default 64.
	UpdateBuffer int

	// ID identifies the session; a random UUID is generated when empty.
	ID string

	// UserID is the hosting-UI user that started the session.
	UserID string
}

// UpdateKind classifies UI updates.
type UpdateKind string

const (
	// UpdateState reports a state transition.
	UpdateState UpdateKind = "state"

	// UpdateMessage forwards non-audio collaborator content.
	UpdateMessage UpdateKind = "message"

	// UpdateError reports the failure that ended the session. It is followed
	// by a state update to [StateError].
	UpdateError UpdateKind = "error"
)

// Update is one notification for the hosting UI.
type Update struct {
	Kind      UpdateKind
	SessionID string
	State     State
	Message   *s2s.Message
	Err       error
}

// Stats are the per-session counters reported on close.
type Stats struct {
	FramesCaptured  int64 `json:"framesCaptured"`
	FramesSent      int64 `json:"framesSent"`
	FramesDropped   int64 `json:"framesDropped"`
	ChunksScheduled int64 `json:"chunksScheduled"`
	CodecErrors     int64 `json:"codecErrors"`
}

// Summary describes a finished session.
type Summary struct {
	ID         string
	UserID     string
	StartedAt  time.Time
	EndedAt    time.Time
	FinalState State
	Err        error
	Stats      Stats
}

// Session is one live conversation with the remote collaborator. It owns the
// input stream, the output sink, and the transport handle for its whole
// lifetime and releases all three exactly once.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id        string
	userID    string
	startedAt time.Time

	capture *Capture
	sink    audio.OutputSink
	handle  s2s.SessionHandle
	sched   *Scheduler

	metrics *observe.Metrics
	log     *slog.Logger
	span    trace.Span

	updates chan Update

	mu       sync.Mutex
	state    State
	err      error
	endedAt  time.Time
	released bool

	sent        atomic.Int64
	sendDropped atomic.Int64
	scheduled   atomic.Int64
	codecErrors atomic.Int64
	updatesLost atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open acquires the microphone and speaker, dials the collaborator and
// starts the session's event loop. The returned session is Connecting until
// the collaborator confirms it.
//
// Device failures are returned as *[CaptureError] (microphone) or
// *audio.DeviceError (speaker); collaborator dial failures as
// *[TransportError]. On every error path all acquired resources are released
// and no session is returned.
func Open(ctx context.Context, deps Deps, cfg Config) (*Session, error) {
	if deps.Provider == nil || deps.Input == nil || deps.Output == nil {
		return nil, errors.New("voice: open: provider, input and output are required")
	}
	if caps := deps.Provider.Capabilities(); len(caps.Voices) > 0 && !caps.SupportsVoice(cfg.Session.Voice) {
		return nil, fmt.Errorf("voice: open: voice %q is not offered by the provider", cfg.Session.Voice)
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, span := observe.StartSessionSpan(ctx, id)
	log = observe.Logger(ctx, log).With(string(observe.AttrSessionID), id)

	fail := func(err error) (*Session, error) {
		observe.Fail(span, err)
		span.End()
		return nil, err
	}

	stream, err := AcquireInput(ctx, deps.Input, cfg.BlockSize)
	if err != nil {
		return fail(err)
	}
	sink, err := deps.Output.OpenOutput(ctx, audio.PlaybackRate)
	if err != nil {
		_ = stream.Close()
		return fail(err)
	}

	updateBuf := cfg.UpdateBuffer
	if updateBuf <= 0 {
		updateBuf = defaultUpdateBuffer
	}
	s := &Session{
		id:        id,
		userID:    cfg.UserID,
		startedAt: time.Now(),
		sink:      sink,
		sched:     NewScheduler(sink),
		metrics:   metrics,
		log:       log,
		span:      span,
		updates:   make(chan Update, updateBuf),
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Capture starts before dialling so frames spoken while the collaborator
	// connects are queued rather than lost.
	s.capture = StartCapture(stream, cfg.PreOpenQueue, metrics, log)
	s.setState(StateConnecting)

	handle, err := deps.Provider.Connect(ctx, cfg.Session)
	if err != nil {
		_ = s.capture.Close()
		_ = sink.Close()
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		return fail(&TransportError{Op: "connect", Err: err})
	}
	s.handle = handle
	metrics.ActiveSessions.Add(context.Background(), 1)

	go s.loop()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the user that started the session.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Updates returns the UI update stream. It is closed after the session ends.
// Updates are dropped, never delayed, when the reader falls behind.
func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and releases the microphone, speaker and transport.
// It may be called from any goroutine, any number of times, in any state, and
// blocks until the resources are released.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesCaptured:  s.capture.Captured(),
		FramesSent:      s.sent.Load(),
		FramesDropped:   s.capture.Dropped() + s.sendDropped.Load(),
		ChunksScheduled: s.scheduled.Load(),
		CodecErrors:     s.codecErrors.Load(),
	}
}

// Summary describes the session. It is complete once Done is closed.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:         s.id,
		UserID:     s.userID,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		FinalState: s.state,
		Err:        s.err,
		Stats:      s.Stats(),
	}
}

// ── event loop ────────────────────────────────────────────────────────────────

func (s *Session) loop() {
	defer close(s.done)
	defer close(s.updates)

	events := s.handle.Events()
	captureDone := s.capture.Done()
	for {
		// Frames are drained only while Open; before that they wait in the
		// capture queue and are flushed in order once the collaborator is ready.
		var frames <-chan audio.AudioFrame
		if s.State() == StateOpen {
			frames = s.capture.Frames()
		}

		select {
		case <-s.stop:
			s.finish(StateClosed, nil)
			return

		case ev, ok := <-events:
			if !ok {
				s.finish(StateClosed, nil)
				return
			}
			if !s.handleEvent(ev) {
				return
			}

		case f := <-frames:
			s.send(f)

		case <-captureDone:
			if err := s.capture.Err(); err != nil {
				s.finish(StateError, &CaptureError{Err: err})
			} else {
				s.finish(StateClosed, nil)
			}
			return
		}
	}
}

// handleEvent processes one collaborator event. It returns false when the
// session has ended.
func (s *Session) handleEvent(ev s2s.Event) bool {
	switch ev.Kind {
	case s2s.EventOpened:
		if s.State() != StateConnecting {
			return true
		}
		s.sched.Reset()
		s.setState(StateOpen)
		s.span.End()
		s.log.Info("voice: session open")

	case s2s.EventMessage:
		if ev.Message != nil {
			s.handleMessage(ev.Message)
		}

	case s2s.EventClosed:
		s.log.Info("voice: collaborator closed the session", "reason", ev.Reason)
		s.finish(StateClosed, nil)
		return false

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown collaborator error")
		}
		s.finish(StateError, &TransportError{Op: "session", Err: err})
		return false
	}
	return true
}

func (s *Session) handleMessage(m *s2s.Message) {
	ctx := context.Background()
	for _, chunk := range m.Audio {
		p, err := s.sched.Schedule(chunk)
		if err != nil {
			var ce *audio.CodecError
			if errors.As(err, &ce) {
				n := s.codecErrors.Add(1)
				s.metrics.RecordCodecError(ctx, observe.DirectionInbound)
				if sampledWarn(n) {
					s.log.Warn("voice: dropped malformed chunk", "err", err, "codec_errors", n)
				}
				continue
			}
			s.log.Warn("voice: could not schedule chunk", "err", err)
			continue
		}
		s.scheduled.Add(1)
		s.metrics.ChunksScheduled.Add(ctx, 1)
		if p.Gap > 0 {
			s.metrics.PlaybackGap.Record(ctx, p.Gap)
		}
	}
	if m.HasNonAudio() {
		s.publish(Update{Kind: UpdateMessage, Message: m})
	}
}

func (s *Session) send(f audio.AudioFrame) {
	ctx := context.Background()
	err := s.handle.SendAudio(f.Envelope())
	if err == nil {
		s.sent.Add(1)
		s.metrics.FramesSent.Add(ctx, 1)
		return
	}

	reason := observe.DropBackpressure
	if errors.Is(err, s2s.ErrClosed) {
		reason = observe.DropClosed
	}
	n := s.sendDropped.Add(1)
	s.metrics.RecordFrameDropped(ctx, reason)
	if sampledWarn(n) {
		s.log.Warn("voice: transport did not accept frame", "err", err, "dropped", n)
	}
}

// finish releases every resource, records the final state and notifies the
// UI. It runs on the loop goroutine only.
func (s *Session) finish(final State, cause error) {
	s.release()

	s.mu.Lock()
	prev := s.state
	s.err = cause
	s.endedAt = time.Now()
	s.mu.Unlock()

	if prev == StateConnecting {
		if cause != nil {
			observe.Fail(s.span, cause)
		}
		s.span.End()
	}
	if cause != nil {
		s.publish(Update{Kind: UpdateError, Err: cause})
		s.log.Error("voice: session failed", "err", cause)
	}
	s.setState(final)

	ctx := context.Background()
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.metrics.SessionDuration.Record(ctx, s.endedAt.Sub(s.startedAt).Seconds())

	st := s.Stats()
	s.log.Info("voice: session ended",
		"state", final.String(),
		"frames_captured", st.FramesCaptured,
		"frames_sent", st.FramesSent,
		"frames_dropped", st.FramesDropped,
		"chunks_scheduled", st.ChunksScheduled,
		"codec_errors", st.CodecErrors,
	)
}

// release closes input, transport and output exactly once.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	var errs []error
	if err := s.capture.Close(); err != nil {
		errs = append(errs, fmt.Errorf("input: %w", err))
	}
	if err := s.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := s.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("output: %w", err))
	}
	s.sched.Reset()
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("voice: error releasing session resources", "err", err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.RecordTransition(context.Background(), st.String())
	s.publish(Update{Kind: UpdateState, State: st})
}

// publish delivers u without blocking the loop.
func (s *Session) publish(u Update) {
	u.SessionID = s.id
	if u.Kind != UpdateState {
		u.State = s.State()
	}
	select {
	case s.updates <- u:
	default:
		if n := s.updatesLost.Add(1); sampledWarn(n) {
			s.log.Warn("voice: UI is not reading updates, dropping", "kind", string(u.Kind), "dropped", n)
		}
	}
}
