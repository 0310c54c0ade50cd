// Package bus publishes voice lifecycle events to NATS so the
// workflow-automation service can react to sessions and commands without
// polling. Publishing is fire-and-forget: failures are logged and never
// affect the session or command that produced the event.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/voice"
	"github.com/nats-io/nats.go"
)

// Conn is the subset of *nats.Conn used by [Publisher].
type Conn interface {
	Publish(subject string, data []byte) error
}

var (
	_ voice.Observer   = (*Publisher)(nil)
	_ command.Observer = (*Publisher)(nil)
	_ Conn             = (*nats.Conn)(nil)
)

// SessionEvent is published on every session state transition to
// <prefix>.session.<state>, and once more to <prefix>.session.ended with the
// final statistics.
type SessionEvent struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId,omitempty"`
	State     string       `json:"state"`
	Error     string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
	Stats     *voice.Stats `json:"stats,omitempty"`
}

// CommandEvent is published to <prefix>.command.completed after every
// command round-trip.
type CommandEvent struct {
	CommandID   string    `json:"commandId"`
	UserID      string    `json:"userId"`
	Success     bool      `json:"success"`
	Transcript  string    `json:"transcript,omitempty"`
	ActionTaken string    `json:"actionTaken,omitempty"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latencyMs"`
	At          time.Time `json:"at"`
}

// Publisher turns session updates and command records into NATS messages.
type Publisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

// NewPublisher returns a Publisher sending on conn under prefix.
func NewPublisher(conn Conn, prefix string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, log: log, now: time.Now}
}

// Connect dials the NATS server at url and returns a Publisher owning the
// connection.
func Connect(url, prefix string, log *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("bus: no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("brokervoice"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus: reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	log.Info("bus: connected to NATS", "url", nc.ConnectedUrl())

	p := NewPublisher(nc, prefix, log)
	p.nc = nc
	return p, nil
}

// Healthy reports whether the owned connection is up. A Publisher built
// with [NewPublisher] is always healthy.
func (p *Publisher) Healthy() bool {
	if p.nc == nil {
		return true
	}
	return p.nc.Status() == nats.CONNECTED
}

// Close drains and closes the owned connection, if any.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}

// SessionUpdate implements voice.Observer. Only state updates are published.
func (p *Publisher) SessionUpdate(u voice.Update) {
	if u.Kind != voice.UpdateState {
		return
	}
	p.publish(p.subject("session", u.State.String()), SessionEvent{
		SessionID: u.SessionID,
		State:     u.State.String(),
		At:        p.now(),
	})
}

// SessionEnded implements voice.Observer.
func (p *Publisher) SessionEnded(sum voice.Summary) {
	stats := sum.Stats
	ev := SessionEvent{
		SessionID: sum.ID,
		UserID:    sum.UserID,
		State:     sum.FinalState.String(),
		At:        sum.EndedAt,
		Stats:     &stats,
	}
	if sum.Err != nil {
		ev.Error = sum.Err.Error()
	}
	p.publish(p.subject("session", "ended"), ev)
}

// CommandCompleted implements command.Observer.
func (p *Publisher) CommandCompleted(rec command.Record) {
	ev := CommandEvent{
		CommandID:   rec.ID,
		UserID:      rec.UserID,
		Success:     rec.Success,
		Transcript:  rec.Transcript,
		ActionTaken: rec.ActionTaken,
		LatencyMs:   rec.Latency.Milliseconds(),
		At:          p.now(),
	}
	if rec.Err != nil {
		ev.Error = rec.Err.Error()
	}
	p.publish(p.subject("command", "completed"), ev)
}

func (p *Publisher) subject(parts ...string) string {
	s := p.prefix
	for _, part := range parts {
		if s != "" {
			s += "."
		}
		s += part
	}
	return s
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("bus: marshal event", "subject", subject, "err", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("bus: publish failed", "subject", subject, "err", err)
	}
}
