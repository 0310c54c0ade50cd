// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API consumes and produces 24 kHz PCM16, so capture frames
// (16 kHz) are resampled inside the adapter before they are appended to the
// input audio buffer. Inbound audio deltas are already at the playback rate.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the PCM16 sample rate of the Realtime API in both directions.
	realtimeRate = 24000

	defaultWriteQueue = 64
	eventBuffer       = 32
	writeTimeout      = 5 * time.Second
)

// Voices lists the Realtime API voices.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithWriteQueue sets the capacity of the outbound frame queue.
func WithWriteQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.writeQueue = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	writeQueue int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		writeQueue: defaultWriteQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:               Voices,
		InputRate:            realtimeRate,
		OutputRate:           realtimeRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
	}
}

// Connect dials the Realtime endpoint and sends session.update. The session
// reports [s2s.EventOpened] when the server confirms with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		sendCh: make(chan []byte, p.writeQueue),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.writeWG.Add(1)
	go sess.writeLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta / response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	sendCh chan []byte

	mu       sync.Mutex
	closed   bool
	opened   bool
	writeErr error

	ctx       context.Context
	cancel    context.CancelFunc
	writeWG   sync.WaitGroup
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	modalities := []string{"text"}
	if cfg.ResponseModality() == s2s.ModalityAudio {
		modalities = []string{"audio", "text"}
	}
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        modalities,
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: &inputAudioTranscription{
				Model:    "whisper-1",
				Language: cfg.Language,
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) writeLoop() {
	defer s.writeWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				s.writeErr = fmt.Errorf("openai: write: %w", err)
				s.mu.Unlock()
				s.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// receiveLoop reads server events and emits them as lifecycle events. It
// closes the events channel on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emitTerminal(err)
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if !s.handleServerEvent(&ev, data) {
			return
		}
	}
}

func (s *session) handleServerEvent(ev *serverEvent, raw []byte) bool {
	var m *s2s.Message

	switch ev.Type {
	case "session.updated":
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			return s.emit(s2s.Event{Kind: s2s.EventOpened})
		}
		return true

	case "response.audio.delta":
		if ev.Delta == "" {
			return true
		}
		m = &s2s.Message{Audio: []audio.Chunk{{MIMEType: audio.MIMEType(realtimeRate), Data: ev.Delta}}}

	case "response.text.delta":
		m = &s2s.Message{Text: ev.Delta}

	case "response.audio_transcript.delta":
		m = &s2s.Message{OutputTranscript: ev.Delta}

	case "conversation.item.input_audio_transcription.completed":
		m = &s2s.Message{InputTranscript: ev.Transcript}

	case "input_audio_buffer.speech_started":
		m = &s2s.Message{Interrupted: true}

	case "response.done":
		m = &s2s.Message{TurnComplete: true}

	case "error":
		re := &s2s.RemoteError{Provider: "openai", Message: "unknown error"}
		if ev.Error != nil {
			re.Code = ev.Error.Code
			if ev.Error.Message != "" {
				re.Message = ev.Error.Message
			}
		}
		s.emit(s2s.Event{Kind: s2s.EventError, Err: re})
		return false

	default:
		return true
	}

	m.Raw = append(json.RawMessage(nil), raw...)
	return s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m})
}

func (s *session) emitTerminal(readErr error) {
	s.mu.Lock()
	werr := s.writeErr
	s.mu.Unlock()
	if werr != nil {
		s.emit(s2s.Event{Kind: s2s.EventError, Err: werr})
		return
	}

	var ce websocket.CloseError
	if errors.As(readErr, &ce) && ce.Code == websocket.StatusNormalClosure {
		s.emit(s2s.Event{Kind: s2s.EventClosed, Reason: ce.Reason})
		return
	}
	s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", readErr)})
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples one capture envelope to 24 kHz and queues it as an
// input_audio_buffer.append event.
func (s *session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrClosed
	}

	pcm, err := audio.DecodeBytes(chunk.Data)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	rate, ok := audio.ParseMIMEType(chunk.MIMEType)
	if !ok || rate == 0 {
		rate = audio.CaptureRate
	}
	pcm = audio.ResampleMono16(pcm, rate, realtimeRate)

	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBytes(pcm),
	})
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}

	select {
	case s.sendCh <- data:
		return nil
	default:
		return s2s.ErrBackpressure
	}
}

// Events returns the ordered lifecycle event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.writeWG.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
