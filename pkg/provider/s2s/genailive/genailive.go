// Package genailive implements the s2s.Provider interface on top of the
// official google.golang.org/genai Live SDK.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the wire format, authentication and endpoint selection. Use it
// when the deployment already standardises on the SDK (for example to reach
// Vertex AI through the same client configuration).
package genailive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
	"google.golang.org/genai"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultWriteQueue = 64
	eventBuffer       = 32
)

// Voices lists the prebuilt Gemini Live voices.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
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

// Provider implements s2s.Provider using the genai SDK.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	writeQueue int
}

// New creates a Provider. The SDK client is created per Connect so that no
// idle connections outlive a session.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		writeQueue: defaultWriteQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:               Voices,
		InputRate:            audio.CaptureRate,
		OutputRate:           audio.PlaybackRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
	}
}

// Connect opens a Live session through the SDK.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	live, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		sendCh: make(chan audio.Chunk, p.writeQueue),
		ctx:    sessCtx,
		cancel: cancel,
	}
	s.writeWG.Add(1)
	go s.writeLoop()
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps the session configuration onto the SDK's setup message.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(cfg.ResponseModality())},
	}
	if cfg.Voice != "" || cfg.Language != "" {
		sc := &genai.SpeechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		lc.SpeechConfig = sc
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	return lc
}

type session struct {
	live   *genai.Session
	events chan s2s.Event
	sendCh chan audio.Chunk

	mu       sync.Mutex
	closed   bool
	opened   bool
	writeErr error

	ctx       context.Context
	cancel    context.CancelFunc
	writeWG   sync.WaitGroup
	closeOnce sync.Once
}

func (s *session) writeLoop() {
	defer s.writeWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.sendCh:
			data, err := audio.DecodeBytes(c.Data)
			if err != nil {
				continue // never produced by the codec; skip rather than kill the session
			}
			err = s.live.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{MIMEType: c.MIMEType, Data: data},
			})
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				s.writeErr = fmt.Errorf("genailive: send: %w", err)
				s.mu.Unlock()
				// Closing unblocks Receive, which reports writeErr.
				_ = s.live.Close()
				return
			}
		}
	}
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			werr := s.writeErr
			s.mu.Unlock()
			if werr != nil {
				err = werr
			} else if isNormalClosure(err) {
				s.emit(s2s.Event{Kind: s2s.EventClosed, Reason: err.Error()})
				return
			} else {
				err = fmt.Errorf("genailive: receive: %w", err)
			}
			s.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			return
		}

		if msg.SetupComplete != nil {
			s.mu.Lock()
			first := !s.opened
			s.opened = true
			s.mu.Unlock()
			if first && !s.emit(s2s.Event{Kind: s2s.EventOpened}) {
				return
			}
		}
		if msg.GoAway != nil {
			s.emit(s2s.Event{Kind: s2s.EventClosed, Reason: "go away"})
			return
		}
		if m := convertMessage(msg); m != nil {
			if !s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
				return
			}
		}
	}
}

// isNormalClosure reports whether err describes a clean websocket close. The
// SDK surfaces transport errors as opaque values, so this matches on the
// close code text.
func isNormalClosure(err error) bool {
	return strings.Contains(err.Error(), "close 1000")
}

// convertMessage maps one SDK server message to an s2s.Message. It returns
// nil when the message carries no content for the session.
func convertMessage(msg *genai.LiveServerMessage) *s2s.Message {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	m := &s2s.Message{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				m.Audio = append(m.Audio, audio.Chunk{
					MIMEType: p.InlineData.MIMEType,
					Data:     audio.EncodeBytes(p.InlineData.Data),
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
	if len(m.Audio) == 0 && !m.HasNonAudio() {
		return nil
	}
	if raw, err := json.Marshal(msg); err == nil {
		m.Raw = raw
	}
	return m
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// SendAudio queues one envelope for transmission without blocking.
func (s *session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrClosed
	}
	select {
	case s.sendCh <- chunk:
		return nil
	default:
		return s2s.ErrBackpressure
	}
}

// Events returns the ordered lifecycle event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the Live session. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.writeWG.Wait()
		_ = s.live.Close()
	})
	return nil
}
