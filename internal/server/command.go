package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/pkg/audio"
)

var errNoCommander = errors.New("voice commands are not configured")

type commandStateBody struct {
	State command.State `json:"state"`
}

// commandResultBody is the answer to a command stop.
type commandResultBody struct {
	Success     bool   `json:"success"`
	Transcript  string `json:"transcript,omitempty"`
	ActionTaken string `json:"actionTaken,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleCommandState(w http.ResponseWriter, _ *http.Request) {
	if s.commander == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoCommander)
		return
	}
	writeJSON(w, http.StatusOK, commandStateBody{State: s.commander.State()})
}

func (s *Server) handleCommandStart(w http.ResponseWriter, r *http.Request) {
	if s.commander == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoCommander)
		return
	}
	err := s.commander.StartRecording(context.WithoutCancel(r.Context()))
	var devErr *audio.DeviceError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, command.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, "already_recording", err)
	case errors.As(err, &devErr):
		writeError(w, http.StatusServiceUnavailable, "device", err)
	default:
		s.log.Error("server: start recording", "err", err)
		writeError(w, http.StatusInternalServerError, "command_failed", err)
	}
}

func (s *Server) handleCommandStop(w http.ResponseWriter, r *http.Request) {
	if s.commander == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoCommander)
		return
	}
	userID, ok := decodeUser(w, r)
	if !ok {
		return
	}

	res, err := s.commander.StopRecording(r.Context(), userID)
	if errors.Is(err, command.ErrNotRecording) {
		writeError(w, http.StatusConflict, "not_recording", err)
		return
	}
	body := commandResultBody{
		Success:     res.Success,
		Transcript:  res.Transcript,
		ActionTaken: res.ActionTaken,
	}
	if err != nil {
		body.Success = false
		body.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, _ *http.Request) {
	if s.commander == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoCommander)
		return
	}
	if err := s.commander.Cancel(); err != nil {
		writeError(w, http.StatusConflict, "not_recording", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
