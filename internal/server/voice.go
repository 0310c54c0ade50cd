package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/brokervoice/internal/voice"
	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var errNoAssistant = errors.New("voice sessions are not configured")

// sessionBody is the JSON view of a session.
type sessionBody struct {
	SessionID string      `json:"sessionId,omitempty"`
	State     voice.State `json:"state"`
}

// eventBody is one update on the events stream.
type eventBody struct {
	Kind      voice.UpdateKind `json:"kind"`
	SessionID string           `json:"sessionId"`
	State     voice.State      `json:"state"`
	Message   *messageBody     `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// messageBody carries the non-audio content of an inbound message.
type messageBody struct {
	Text             string          `json:"text,omitempty"`
	InputTranscript  string          `json:"inputTranscript,omitempty"`
	OutputTranscript string          `json:"outputTranscript,omitempty"`
	TurnComplete     bool            `json:"turnComplete,omitempty"`
	Interrupted      bool            `json:"interrupted,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

func toEvent(u voice.Update) eventBody {
	ev := eventBody{Kind: u.Kind, SessionID: u.SessionID, State: u.State}
	if m := u.Message; m != nil {
		ev.Message = &messageBody{
			Text:             m.Text,
			InputTranscript:  m.InputTranscript,
			OutputTranscript: m.OutputTranscript,
			TurnComplete:     m.TurnComplete,
			Interrupted:      m.Interrupted,
			Raw:              m.Raw,
		}
	}
	if u.Err != nil {
		ev.Error = u.Err.Error()
	}
	return ev
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAssistant)
		return
	}
	userID, ok := decodeUser(w, r)
	if !ok {
		return
	}

	// The session outlives the request.
	sess, err := s.assistant.Start(context.WithoutCancel(r.Context()), userID)
	if err != nil {
		var devErr *audio.DeviceError
		var capErr *voice.CaptureError
		var trErr *voice.TransportError
		switch {
		case errors.Is(err, voice.ErrSessionActive):
			writeError(w, http.StatusConflict, "session_active", err)
		case errors.As(err, &devErr), errors.As(err, &capErr):
			writeError(w, http.StatusServiceUnavailable, "device", err)
		case errors.As(err, &trErr):
			writeError(w, http.StatusBadGateway, "transport", err)
		default:
			s.log.Error("server: start session", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "session_failed", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sessionBody{SessionID: sess.ID(), State: sess.State()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAssistant)
		return
	}
	sess := s.assistant.Current()
	if sess == nil {
		writeJSON(w, http.StatusOK, sessionBody{State: voice.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, sessionBody{SessionID: sess.ID(), State: sess.State()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, _ *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAssistant)
		return
	}
	if err := s.assistant.Stop(); err != nil {
		s.log.Warn("server: stop session", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams every session update as one JSON text message until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAssistant)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("server: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.assistant.Subscribe(s.eventBuffer)
	defer cancel()

	// The client never sends; CloseRead reports its departure on ctx.
	ctx := conn.CloseRead(r.Context())

	if sess := s.assistant.Current(); sess != nil {
		initial := eventBody{Kind: voice.UpdateState, SessionID: sess.ID(), State: sess.State()}
		if err := s.writeEvent(ctx, conn, initial); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			if err := s.writeEvent(ctx, conn, toEvent(u)); err != nil {
				s.log.Debug("server: events stream closed", "err", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev eventBody) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
