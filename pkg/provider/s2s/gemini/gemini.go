// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM16 inside mediaChunks (outbound, 16 kHz)
// and serverContent.modelTurn.parts[].inlineData (inbound, 24 kHz).
//
// Outbound frames are queued on a bounded channel drained by a dedicated
// writer goroutine, so SendAudio never blocks the caller's event loop.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultWriteQueue = 64
	eventBuffer       = 32

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// Voices lists the prebuilt Gemini Live voices.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	writeQueue int
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:               Voices,
		InputRate:            audio.CaptureRate,
		OutputRate:           audio.PlaybackRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
	}
}

// Connect dials Gemini Live and sends the setup message. The session reports
// [s2s.EventOpened] once the server acknowledges setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Model turns with long audio parts exceed the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		events:  make(chan s2s.Event, eventBuffer),
		sendCh:  make(chan []byte, p.writeQueue),
		ctx:     sessCtx,
		cancel:  sessCancel,
		writeWG: sync.WaitGroup{},
	}

	if err := sess.sendSetup(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.writeWG.Add(1)
	go sess.writeLoop()
	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.Chunk `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
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

// sendSetup sends the initial BidiGenerateContent setup message synchronously,
// before the writer goroutine exists.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(cfg.ResponseModality())},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains sendCh onto the socket. A write failure tears the socket
// down so that receiveLoop reports it as the terminal error.
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
				s.writeErr = fmt.Errorf("gemini: write: %w", err)
				s.mu.Unlock()
				s.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// receiveLoop reads messages from the WebSocket and emits them as events.
// It owns the events channel and closes it on exit, after at most one
// terminal event.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return // closed locally
			}
			s.emitTerminal(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !s.handleServerMessage(&msg, data) {
			return
		}
	}
}

// handleServerMessage emits events for msg. It returns false when the
// session has terminated.
func (s *session) handleServerMessage(msg *serverMessage, raw []byte) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.emit(s2s.Event{Kind: s2s.EventError, Err: &s2s.RemoteError{
			Provider: "gemini",
			Code:     msg.Error.Status,
			Message:  text,
		}})
		return false
	}

	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first && !s.emit(s2s.Event{Kind: s2s.EventOpened}) {
			return false
		}
	}

	if msg.ServerContent != nil {
		m := convertServerContent(msg.ServerContent)
		m.Raw = append(json.RawMessage(nil), raw...)
		if len(m.Audio) > 0 || m.HasNonAudio() {
			if !s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
				return false
			}
		}
	}
	return true
}

// convertServerContent maps one serverContent payload to an s2s.Message,
// keeping audio parts in order and concatenating text parts.
func convertServerContent(sc *serverContent) *s2s.Message {
	m := &s2s.Message{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				m.Audio = append(m.Audio, audio.Chunk{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				})
			}
			if p.Text != "" {
				m.Text += p.Text
			}
		}
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	return m
}

// emitTerminal converts a read failure into the terminal event.
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
	s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", readErr)})
}

// emit delivers ev in order, giving up only when the session is closed
// locally.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio queues one 16 kHz PCM16 envelope for transmission.
func (s *session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrClosed
	}

	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []audio.Chunk{chunk}},
	})
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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

		s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
		s.writeWG.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
