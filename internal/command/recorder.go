// Package command implements the one-shot voice command flow: record one
// utterance from the microphone, ship it to the command endpoint in a single
// request and hand the single response back to the hosting UI.
//
// Unlike a live voice session nothing is streamed. The recorder holds the
// microphone only between [Recorder.StartRecording] and
// [Recorder.StopRecording], and every failure of the round-trip surfaces as
// one *[FailedError] without any automatic retry.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/audio/wavfile"
	"github.com/google/uuid"
)

// Defaults for [Config].
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxUtterance = 60 * time.Second
)

// Status values recorded on the command.requests metric.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusFailed   = "failed"
)

var (
	// ErrAlreadyRecording is returned by StartRecording while an utterance is
	// being recorded or processed.
	ErrAlreadyRecording = errors.New("command: already recording")

	// ErrNotRecording is returned by StopRecording and Cancel when no
	// utterance is being recorded.
	ErrNotRecording = errors.New("command: not recording")
)

// FailedError is the generic CommandFailed result. Err is the cause; Result
// is set when the endpoint answered with success false, so a transcript can
// still be shown.
type FailedError struct {
	Err    error
	Result *Result
}

// Error implements error.
func (e *FailedError) Error() string {
	return fmt.Sprintf("command: failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *FailedError) Unwrap() error { return e.Err }

// errUnsuccessful is the cause of a FailedError for success:false answers.
var errUnsuccessful = errors.New("endpoint reported failure")

// State is the recorder's lifecycle state.
type State int

const (
	// StateIdle holds no device.
	StateIdle State = iota

	// StateRecording holds the microphone and accumulates fragments.
	StateRecording

	// StateProcessing has released the microphone and awaits the response.
	StateProcessing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record describes one completed command for audit and event observers.
type Record struct {
	ID          string
	UserID      string
	StartedAt   time.Time
	Utterance   time.Duration
	Latency     time.Duration
	Truncated   bool
	Success     bool
	Transcript  string
	ActionTaken string
	Err         error
}

// Observer is notified after every command round-trip, successful or not.
type Observer interface {
	CommandCompleted(rec Record)
}

// Config tunes a [Recorder].
type Config struct {
	// BlockSize is the capture block size in samples. Default
	// [audio.DefaultBlockSize].
	BlockSize int

	// MaxUtterance caps the retained audio; later blocks are discarded.
	// Default [DefaultMaxUtterance].
	MaxUtterance time.Duration

	// Timeout bounds the request round-trip. Default [DefaultTimeout].
	Timeout time.Duration
}

// Recorder records one utterance at a time and sends it to an [Endpoint].
//
// All exported methods are safe for concurrent use.
type Recorder struct {
	dev       audio.InputDevice
	ep        Endpoint
	cfg       Config
	metrics   *observe.Metrics
	log       *slog.Logger
	observers []Observer

	mu    sync.Mutex
	state State
	take  *take
	// starting is set while StartRecording acquires the microphone without
	// holding mu. The state stays idle until the stream is open.
	starting bool
}

// take is one recording in progress.
type take struct {
	id        string
	startedAt time.Time
	stream    audio.InputStream
	done      chan struct{}

	// Written only by collect until done is closed.
	pcm       []int16
	discarded int
	warned    bool
}

// RecorderOption is a functional option for [NewRecorder].
type RecorderOption func(*Recorder)

// WithMetrics records command metrics on m.
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// WithObservers registers completion observers.
func WithObservers(obs ...Observer) RecorderOption {
	return func(r *Recorder) { r.observers = append(r.observers, obs...) }
}

// NewRecorder returns an idle recorder that captures from dev and sends to ep.
func NewRecorder(dev audio.InputDevice, ep Endpoint, cfg Config, opts ...RecorderOption) *Recorder {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = DefaultMaxUtterance
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Recorder{dev: dev, ep: ep, cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartRecording acquires the microphone and begins accumulating the
// utterance. Acquisition failure is returned as the device's error (usually
// *audio.DeviceError) and leaves the recorder idle.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle || r.starting {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.starting = true
	r.mu.Unlock()

	stream, err := r.dev.OpenInput(ctx, audio.InputConfig{SampleRate: audio.CaptureRate, BlockSize: r.cfg.BlockSize})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false
	if err != nil {
		return err
	}

	tk := &take{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		stream:    stream,
		done:      make(chan struct{}),
	}
	go r.collect(tk)

	r.take = tk
	r.state = StateRecording
	r.log.Debug("command: recording started", "command_id", tk.id)
	return nil
}

// collect accumulates PCM16 fragments until the stream stops.
func (r *Recorder) collect(tk *take) {
	defer close(tk.done)

	limit := int(r.cfg.MaxUtterance.Seconds() * audio.CaptureRate)
	for block := range tk.stream.Blocks() {
		room := limit - len(tk.pcm)
		if room <= 0 {
			tk.discarded += len(block)
			if !tk.warned {
				tk.warned = true
				r.log.Warn("command: utterance exceeds maximum length, discarding further audio",
					"command_id", tk.id, "max_utterance", r.cfg.MaxUtterance)
			}
			continue
		}
		if len(block) > room {
			tk.discarded += len(block) - room
			block = block[:room]
		}
		tk.pcm = append(tk.pcm, audio.FloatToPCM(block)...)
	}
}

// finishTake releases the microphone and waits for the collector.
func (r *Recorder) finishTake(tk *take) error {
	if err := tk.stream.Close(); err != nil {
		r.log.Warn("command: error releasing microphone", "command_id", tk.id, "err", err)
	}
	<-tk.done
	return tk.stream.Err()
}

// Cancel discards the current recording without sending it.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	tk := r.take
	r.take = nil
	r.state = StateIdle
	r.mu.Unlock()

	_ = r.finishTake(tk)
	r.log.Debug("command: recording cancelled", "command_id", tk.id)
	return nil
}

// StopRecording releases the microphone, packs the utterance into a WAV
// container, base64-encodes it and sends exactly one request carrying it and
// userID. The recorder is idle again when StopRecording returns, on every
// path.
//
// Any failure, including a response with success false, is returned as a
// *[FailedError]. The returned Result is the endpoint's answer when one was
// decoded.
func (r *Recorder) StopRecording(ctx context.Context, userID string) (Result, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	tk := r.take
	r.take = nil
	r.state = StateProcessing
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
	}()

	rec := Record{
		ID:        tk.id,
		UserID:    userID,
		StartedAt: tk.startedAt,
	}
	captureErr := r.finishTake(tk)
	rec.Utterance = time.Duration(len(tk.pcm)) * time.Second / audio.CaptureRate
	rec.Truncated = tk.discarded > 0
	if rec.Truncated {
		r.log.Warn("command: utterance truncated", "command_id", tk.id, "discarded_samples", tk.discarded)
	}

	res, err := r.send(ctx, tk, userID, captureErr, &rec)
	for _, o := range r.observers {
		o.CommandCompleted(rec)
	}
	return res, err
}

func (r *Recorder) send(ctx context.Context, tk *take, userID string, captureErr error, rec *Record) (Result, error) {
	log := r.log.With("command_id", tk.id, "user_id", userID)

	fail := func(status string, res *Result, cause error) (Result, error) {
		rec.Err = cause
		r.metrics.RecordCommand(context.Background(), status, rec.Latency.Seconds())
		log.Warn("command: request failed", "err", cause)
		out := Result{}
		if res != nil {
			out = *res
			rec.Transcript = res.Transcript
			rec.ActionTaken = res.ActionTaken
		}
		return out, &FailedError{Err: cause, Result: res}
	}

	if captureErr != nil {
		return fail(statusFailed, nil, fmt.Errorf("capture: %w", captureErr))
	}

	wav, err := wavfile.Encode(tk.pcm, audio.CaptureRate)
	if err != nil {
		return fail(statusFailed, nil, fmt.Errorf("encode utterance: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ctx, span := observe.StartCommandSpan(ctx, tk.id, len(wav))
	defer span.End()

	start := time.Now()
	res, err := r.ep.Send(ctx, Request{UserID: userID, AudioBase64: audio.EncodeBytes(wav)})
	rec.Latency = time.Since(start)
	if err != nil {
		observe.Fail(span, err)
		return fail(statusFailed, nil, err)
	}
	if !res.Success {
		observe.Fail(span, nil, errUnsuccessful.Error())
		return fail(statusRejected, &res, errUnsuccessful)
	}

	rec.Success = true
	rec.Transcript = res.Transcript
	rec.ActionTaken = res.ActionTaken
	r.metrics.RecordCommand(context.Background(), statusOK, rec.Latency.Seconds())
	log.Info("command: completed",
		"latency", rec.Latency,
		"utterance", rec.Utterance,
		"action_taken", res.ActionTaken,
	)
	return res, nil
}
