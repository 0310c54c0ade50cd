// Package app wires all brokervoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the hosting-UI API until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithAuditStore,
// WithEventConn, WithListener). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/brokervoice/internal/audit"
	"github.com/MrWong99/brokervoice/internal/bus"
	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/config"
	"github.com/MrWong99/brokervoice/internal/health"
	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/internal/server"
	"github.com/MrWong99/brokervoice/internal/voice"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Providers holds the collaborators built from the config registry. A nil
// S2S disables voice sessions; a nil Command disables voice commands.
// Populated by main.go.
type Providers struct {
	S2S     s2s.Provider
	Command command.Endpoint
	Audio   config.AudioDevices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	store     audit.Store
	eventConn bus.Conn
	publisher *bus.Publisher
	assistant *voice.Assistant
	recorder  *command.Recorder
	health    *health.Handler
	server    *server.Server
	listener  net.Listener

	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAuditStore injects an audit store instead of creating one from config.
func WithAuditStore(s audit.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEventConn publishes lifecycle events on conn instead of dialling NATS.
func WithEventConn(conn bus.Conn) Option {
	return func(a *App) { a.eventConn = conn }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: audit store connection and
// migration, NATS connection, assistant and recorder construction, and
// route registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audit store ───────────────────────────────────────────────────
	if err := a.initAudit(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audit: %w", err)
	}

	// ── 2. Lifecycle events ──────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 3. Voice assistant + command recorder ────────────────────────────
	if err := a.initVoice(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init voice: %w", err)
	}
	a.initCommand()

	// ── 4. Health + HTTP surface ─────────────────────────────────────────
	a.initServer()

	return a, nil
}

func (a *App) initAudit(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Audit.PostgresDSN
	if dsn == "" {
		a.store = audit.NewMemStore(audit.DefaultMemCapacity)
		a.log.Info("audit log kept in memory", "capacity", audit.DefaultMemCapacity)
		return nil
	}

	pool, err := audit.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	st := audit.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	a.store = st
	a.log.Info("audit log connected to postgres")
	return nil
}

func (a *App) initEvents() error {
	prefix := a.cfg.Events.SubjectPrefix
	switch {
	case a.eventConn != nil:
		a.publisher = bus.NewPublisher(a.eventConn, prefix, a.log)
	case a.cfg.Events.NATSURL != "":
		pub, err := bus.Connect(a.cfg.Events.NATSURL, prefix, a.log)
		if err != nil {
			return err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}
	return nil
}

func (a *App) initVoice() error {
	p := a.providers
	if p.S2S == nil || p.Audio.Input == nil || p.Audio.Output == nil {
		a.log.Warn("voice sessions disabled", "s2s", p.S2S != nil, "audio", p.Audio.Input != nil && p.Audio.Output != nil)
		return nil
	}
	policy, err := voice.ParseConflictPolicy(a.cfg.Voice.OnConflict)
	if err != nil {
		return err
	}

	observers := []voice.Observer{audit.NewRecorder(a.store, a.log)}
	if a.publisher != nil {
		observers = append(observers, a.publisher)
	}
	deps := voice.Deps{
		Provider: p.S2S,
		Input:    p.Audio.Input,
		Output:   p.Audio.Output,
		Metrics:  a.metrics,
		Logger:   a.log,
	}
	a.assistant = voice.NewAssistant(deps, sessionTemplate(a.cfg, a.cfg.Voice), policy, observers...)
	return nil
}

func (a *App) initCommand() {
	p := a.providers
	if p.Command == nil || p.Audio.Input == nil {
		a.log.Warn("voice commands disabled", "endpoint", p.Command != nil, "audio", p.Audio.Input != nil)
		return
	}
	observers := []command.Observer{audit.NewRecorder(a.store, a.log)}
	if a.publisher != nil {
		observers = append(observers, a.publisher)
	}
	a.recorder = command.NewRecorder(p.Audio.Input, p.Command, command.Config{
		BlockSize:    a.cfg.Audio.BlockSize,
		MaxUtterance: a.cfg.Command.MaxUtterance,
		Timeout:      a.cfg.Command.Timeout,
	},
		command.WithMetrics(a.metrics),
		command.WithLogger(a.log),
		command.WithObservers(observers...),
	)
}

func (a *App) initServer() {
	checks := []health.Checker{
		health.PingCheck("audit", a.store),
		health.ConfiguredCheck("s2s", "voice sessions are not configured", func() bool { return a.assistant != nil }),
	}
	if a.publisher != nil {
		checks = append(checks, health.ConfiguredCheck("events", "nats connection lost", a.publisher.Healthy))
	}
	a.health = health.New(checks...)

	opts := []server.Option{
		server.WithAudit(a.store),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
	}
	// Typed nil pointers must not reach the server's interfaces.
	if a.assistant != nil {
		opts = append(opts, server.WithAssistant(a.assistant))
	}
	if a.recorder != nil {
		opts = append(opts, server.WithCommander(a.recorder))
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Assistant returns the voice assistant, or nil when sessions are disabled.
func (a *App) Assistant() *voice.Assistant { return a.assistant }

// Recorder returns the command recorder, or nil when commands are disabled.
func (a *App) Recorder() *command.Recorder { return a.recorder }

// AuditStore returns the audit store.
func (a *App) AuditStore() audit.Store { return a.store }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the hosting-UI API and blocks until ctx is cancelled or the
// server fails. On cancellation the live session and any recording are
// stopped before Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var certFile, keyFile string
		if tls := a.cfg.Server.TLS; tls != nil {
			certFile, keyFile = tls.CertFile, tls.KeyFile
		}
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener, certFile, keyFile, shutdownTimeout)
		}
		return a.server.ListenAndServe(gctx, a.cfg.Server.ListenAddr, certFile, keyFile, shutdownTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stopVoice()
		return nil
	})

	a.log.Info("app running",
		"voice_sessions", a.assistant != nil,
		"voice_commands", a.recorder != nil,
		"events", a.publisher != nil,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stopVoice ends the live session and discards any recording in progress.
func (a *App) stopVoice() {
	if a.assistant != nil {
		if err := a.assistant.Stop(); err != nil {
			a.log.Warn("stop voice session", "err", err)
		}
	}
	if a.recorder != nil && a.recorder.State() == command.StateRecording {
		_ = a.recorder.Cancel()
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyVoice replaces the voice block used for the next session. The live
// session keeps its settings.
func (a *App) ApplyVoice(v config.VoiceConfig) error {
	policy, err := voice.ParseConflictPolicy(v.OnConflict)
	if err != nil {
		return fmt.Errorf("app: apply voice: %w", err)
	}
	a.mu.Lock()
	a.cfg.Voice = v
	a.mu.Unlock()

	if a.assistant == nil {
		return nil
	}
	a.assistant.SetConfig(sessionTemplate(a.cfg, v))
	a.assistant.SetPolicy(policy)
	a.log.Info("voice config reloaded", "voice", v.Voice, "language", v.Language, "on_conflict", policy)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Sessions end first so their summaries reach the audit log and the bus.
		a.stopVoice()

		// The bus drains before the pool closes; closers run last-in first-out.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionTemplate builds the per-session config from cfg with v as the voice
// block.
func sessionTemplate(cfg *config.Config, v config.VoiceConfig) voice.Config {
	return voice.Config{
		Session: s2s.SessionConfig{
			Model:        cfg.Providers.S2S.Model,
			Voice:        v.Voice,
			Language:     v.Language,
			Instructions: v.Instructions,
		},
		BlockSize:    cfg.Audio.BlockSize,
		PreOpenQueue: cfg.Audio.PreOpenQueue,
	}
}
