// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive the lifecycle event stream from the test and to inspect
// which frames were sent.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Open()
//	sess.EmitMessage(&s2s.Message{Audio: chunks})
//	sess.Finish(s2s.Event{Kind: s2s.EventClosed})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session per call; see Sessions.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until it is closed or ctx is done.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession(16)
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recently handed out session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Session is a scripted s2s.SessionHandle.
type Session struct {
	mu         sync.Mutex
	events     chan s2s.Event
	done       bool
	sent       []audio.Chunk
	closeCalls int
	sendNotify chan struct{}

	// SendErr, if non-nil, is returned by SendAudio instead of recording.
	SendErr error
}

// NewSession returns a session whose event channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{events: make(chan s2s.Event, buffer)}
}

// Open emits [s2s.EventOpened].
func (s *Session) Open() bool { return s.Emit(s2s.Event{Kind: s2s.EventOpened}) }

// EmitMessage emits one [s2s.EventMessage].
func (s *Session) EmitMessage(m *s2s.Message) bool {
	return s.Emit(s2s.Event{Kind: s2s.EventMessage, Message: m})
}

// Emit delivers ev unless the session has already terminated. It blocks when
// the event buffer is full.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.events <- ev
	return true
}

// Finish emits the terminal event ev and closes the event stream, as a
// remote close or failure would.
func (s *Session) Finish(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- ev
	s.done = true
	close(s.events)
}

// SendAudio implements [s2s.SessionHandle].
func (s *Session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return s2s.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, chunk)
	if s.sendNotify != nil {
		select {
		case s.sendNotify <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetSendErr changes the SendAudio error under the session lock.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendErr = err
}

// SentNotify returns a channel signalled after each recorded SendAudio
// (coalesced when the receiver is slow).
func (s *Session) SentNotify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendNotify == nil {
		s.sendNotify = make(chan struct{}, 1)
	}
	return s.sendNotify
}

// Sent returns a copy of every recorded frame in send order.
func (s *Session) Sent() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Chunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events implements [s2s.SessionHandle].
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close implements [s2s.SessionHandle]. It records every call and closes the
// event stream without a terminal event.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
