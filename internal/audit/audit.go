// Package audit records finished voice sessions and voice commands so that
// operators can reconstruct what the assistant did for whom.
//
// Two [Store] implementations exist: [PostgresStore] for deployments with a
// database and [MemStore] for everything else. [Recorder] adapts either to the
// observer hooks of the voice and command packages. Audit failures are logged
// and never reach the user.
package audit

import (
	"context"
	"time"
)

// SessionRecord is one finished voice session.
type SessionRecord struct {
	ID              string
	UserID          string
	StartedAt       time.Time
	EndedAt         time.Time
	FinalState      string
	Error           string
	FramesCaptured  int64
	FramesSent      int64
	FramesDropped   int64
	ChunksScheduled int64
	CodecErrors     int64
}

// Duration returns how long the session lasted.
func (r SessionRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// CommandRecord is one completed command round-trip.
type CommandRecord struct {
	ID          string
	UserID      string
	StartedAt   time.Time
	Utterance   time.Duration
	Latency     time.Duration
	Truncated   bool
	Success     bool
	Transcript  string
	ActionTaken string
	Error       string
}

// Store persists audit records. Implementations must be safe for
// concurrent use.
type Store interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
	RecordCommand(ctx context.Context, rec CommandRecord) error

	// RecentSessions returns at most limit sessions, newest first.
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// RecentCommands returns at most limit commands, newest first.
	RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
