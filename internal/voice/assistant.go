package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ConflictPolicy decides what [Assistant.Start] does while a session is live.
type ConflictPolicy string

const (
	// ConflictReject refuses the new session with [ErrSessionActive].
	ConflictReject ConflictPolicy = "reject"

	// ConflictReplace closes the live session fully, then opens the new one.
	ConflictReplace ConflictPolicy = "replace"
)

// ParseConflictPolicy validates a policy name. The empty string selects
// [ConflictReject].
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", ConflictReject:
		return ConflictReject, nil
	case ConflictReplace:
		return ConflictReplace, nil
	default:
		return "", fmt.Errorf("voice: unknown conflict policy %q", s)
	}
}

// Observer is notified about every session owned by an [Assistant]. Calls
// are made from the session's forwarding goroutine and must return quickly.
type Observer interface {
	// SessionUpdate receives every update the session publishes.
	SessionUpdate(u Update)

	// SessionEnded is called once after the session released its resources.
	SessionEnded(sum Summary)
}

// slot is the assistant's single live session and its forwarder.
type slot struct {
	session *Session
	fwdDone chan struct{}
}

// Assistant owns at most one live voice [Session] at a time on behalf of the
// hosting UI widget. It fans session updates out to subscribers and
// observers.
//
// All exported methods are safe for concurrent use.
type Assistant struct {
	mu       sync.Mutex
	deps     Deps
	cfg      Config
	policy   ConflictPolicy
	current  *slot
	starting bool

	observers []Observer

	subMu  sync.Mutex
	subs   map[int]chan Update
	nextID int

	log *slog.Logger
}

// NewAssistant returns an assistant that opens sessions with deps. cfg is the
// template for every new session; its ID and UserID are set per session.
func NewAssistant(deps Deps, cfg Config, policy ConflictPolicy, observers ...Observer) *Assistant {
	if policy == "" {
		policy = ConflictReject
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Assistant{
		deps:      deps,
		cfg:       cfg,
		policy:    policy,
		observers: observers,
		subs:      make(map[int]chan Update),
		log:       log,
	}
}

// SetConfig replaces the session template. It applies to the next session.
func (a *Assistant) SetConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// SetPolicy replaces the conflict policy.
func (a *Assistant) SetPolicy(p ConflictPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// Policy returns the current conflict policy.
func (a *Assistant) Policy() ConflictPolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// Start opens a new session for userID. While another session is starting,
// connecting or open it returns [ErrSessionActive] under [ConflictReject];
// under [ConflictReplace] the live session is closed and drained first. A
// second Start racing one that is still in flight is always rejected.
func (a *Assistant) Start(ctx context.Context, userID string) (*Session, error) {
	a.mu.Lock()
	if a.starting {
		a.mu.Unlock()
		return nil, ErrSessionActive
	}
	prev := a.current
	if prev != nil && prev.session.State().Active() && a.policy != ConflictReplace {
		a.mu.Unlock()
		return nil, ErrSessionActive
	}
	a.starting = true
	deps, cfg := a.deps, a.cfg
	a.mu.Unlock()

	if prev != nil {
		a.log.Info("voice: replacing live session", "session_id", prev.session.ID(), "user_id", userID)
		_ = prev.session.Close()
		<-prev.fwdDone
	}

	cfg.ID = ""
	cfg.UserID = userID
	s, err := Open(ctx, deps, cfg)

	a.mu.Lock()
	a.starting = false
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	sl := &slot{session: s, fwdDone: make(chan struct{})}
	a.current = sl
	a.mu.Unlock()

	a.log.Info("voice: session started", "session_id", s.ID(), "user_id", userID)
	go a.forward(sl)
	return s, nil
}

// Stop closes the live session, if any, and waits until its end has been
// reported to observers. It is a no-op when nothing is live.
func (a *Assistant) Stop() error {
	a.mu.Lock()
	sl := a.current
	a.mu.Unlock()
	if sl == nil {
		return nil
	}
	err := sl.session.Close()
	<-sl.fwdDone
	return err
}

// Current returns the live session, or nil.
func (a *Assistant) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.session
}

// Subscribe returns a stream of updates from every session this assistant
// owns, and a function that ends the subscription. Updates are dropped for
// a subscriber whose buffer is full.
func (a *Assistant) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	ch := make(chan Update, buffer)

	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
			close(ch)
		})
	}
}

// forward relays one session's updates until its update stream closes, then
// reports the summary and frees the slot.
func (a *Assistant) forward(sl *slot) {
	defer close(sl.fwdDone)

	for u := range sl.session.Updates() {
		a.broadcast(u)
		for _, o := range a.observers {
			o.SessionUpdate(u)
		}
	}

	sum := sl.session.Summary()
	for _, o := range a.observers {
		o.SessionEnded(sum)
	}

	a.mu.Lock()
	if a.current == sl {
		a.current = nil
	}
	a.mu.Unlock()
}

func (a *Assistant) broadcast(u Update) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
