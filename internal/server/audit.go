package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/brokervoice/internal/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

var errNoAudit = errors.New("audit log is not configured")

type auditSessionBody struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationMs      int64     `json:"durationMs"`
	FinalState      string    `json:"finalState"`
	Error           string    `json:"error,omitempty"`
	FramesCaptured  int64     `json:"framesCaptured"`
	FramesSent      int64     `json:"framesSent"`
	FramesDropped   int64     `json:"framesDropped"`
	ChunksScheduled int64     `json:"chunksScheduled"`
	CodecErrors     int64     `json:"codecErrors"`
}

type auditCommandBody struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	StartedAt   time.Time `json:"startedAt"`
	UtteranceMs int64     `json:"utteranceMs"`
	LatencyMs   int64     `json:"latencyMs"`
	Truncated   bool      `json:"truncated,omitempty"`
	Success     bool      `json:"success"`
	Transcript  string    `json:"transcript,omitempty"`
	ActionTaken string    `json:"actionTaken,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// parseLimit reads ?limit=, defaulting and clamping it.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultAuditLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxAuditLimit), nil
}

func (s *Server) handleAuditSessions(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAudit)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	recs, err := s.audit.RecentSessions(r.Context(), limit)
	if err != nil {
		s.log.Warn("server: audit sessions", "err", err)
		writeError(w, http.StatusInternalServerError, "audit_failed", err)
		return
	}
	out := make([]auditSessionBody, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionToBody(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAuditCommands(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", errNoAudit)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	recs, err := s.audit.RecentCommands(r.Context(), limit)
	if err != nil {
		s.log.Warn("server: audit commands", "err", err)
		writeError(w, http.StatusInternalServerError, "audit_failed", err)
		return
	}
	out := make([]auditCommandBody, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditCommandBody{
			ID:          rec.ID,
			UserID:      rec.UserID,
			StartedAt:   rec.StartedAt,
			UtteranceMs: rec.Utterance.Milliseconds(),
			LatencyMs:   rec.Latency.Milliseconds(),
			Truncated:   rec.Truncated,
			Success:     rec.Success,
			Transcript:  rec.Transcript,
			ActionTaken: rec.ActionTaken,
			Error:       rec.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func sessionToBody(rec audit.SessionRecord) auditSessionBody {
	return auditSessionBody{
		ID:              rec.ID,
		UserID:          rec.UserID,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		DurationMs:      rec.Duration().Milliseconds(),
		FinalState:      rec.FinalState,
		Error:           rec.Error,
		FramesCaptured:  rec.FramesCaptured,
		FramesSent:      rec.FramesSent,
		FramesDropped:   rec.FramesDropped,
		ChunksScheduled: rec.ChunksScheduled,
		CodecErrors:     rec.CodecErrors,
	}
}
