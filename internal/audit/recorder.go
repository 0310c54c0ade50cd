package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/voice"
)

// defaultWriteTimeout bounds a single audit write.
const defaultWriteTimeout = 5 * time.Second

var (
	_ voice.Observer   = (*Recorder)(nil)
	_ command.Observer = (*Recorder)(nil)
)

// Recorder writes session summaries and command records to a [Store]. It is
// registered as an observer on the Assistant and the command Recorder.
type Recorder struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a Recorder writing to store. A nil logger uses
// slog.Default.
func NewRecorder(store Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log, timeout: defaultWriteTimeout}
}

// SessionUpdate implements voice.Observer. Only finished sessions are
// recorded.
func (r *Recorder) SessionUpdate(voice.Update) {}

// SessionEnded implements voice.Observer.
func (r *Recorder) SessionEnded(sum voice.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.RecordSession(ctx, SessionFromSummary(sum)); err != nil {
		r.log.Warn("audit: failed to record session", "session_id", sum.ID, "err", err)
	}
}

// CommandCompleted implements command.Observer.
func (r *Recorder) CommandCompleted(rec command.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.RecordCommand(ctx, CommandFromRecord(rec)); err != nil {
		r.log.Warn("audit: failed to record command", "command_id", rec.ID, "err", err)
	}
}

// SessionFromSummary converts a session summary to its audit record.
func SessionFromSummary(sum voice.Summary) SessionRecord {
	return SessionRecord{
		ID:              sum.ID,
		UserID:          sum.UserID,
		StartedAt:       sum.StartedAt,
		EndedAt:         sum.EndedAt,
		FinalState:      sum.FinalState.String(),
		Error:           errString(sum.Err),
		FramesCaptured:  sum.Stats.FramesCaptured,
		FramesSent:      sum.Stats.FramesSent,
		FramesDropped:   sum.Stats.FramesDropped,
		ChunksScheduled: sum.Stats.ChunksScheduled,
		CodecErrors:     sum.Stats.CodecErrors,
	}
}

// CommandFromRecord converts a command record to its audit record.
func CommandFromRecord(rec command.Record) CommandRecord {
	return CommandRecord{
		ID:          rec.ID,
		UserID:      rec.UserID,
		StartedAt:   rec.StartedAt,
		Utterance:   rec.Utterance,
		Latency:     rec.Latency,
		Truncated:   rec.Truncated,
		Success:     rec.Success,
		Transcript:  rec.Transcript,
		ActionTaken: rec.ActionTaken,
		Error:       errString(rec.Err),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
