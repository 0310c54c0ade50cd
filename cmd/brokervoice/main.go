// Command brokervoice is the main entry point for the brokervoice voice
// session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/brokervoice/internal/app"
	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/config"
	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/internal/resilience"
	"github.com/MrWong99/brokervoice/pkg/audio/portaudio"
	"github.com/MrWong99/brokervoice/pkg/audio/wavfile"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/brokervoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s/genailive"
	oais2s "github.com/MrWong99/brokervoice/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the voice block and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "brokervoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "brokervoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("brokervoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  string(cfg.Telemetry.TraceExporter),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if err := reg.CheckVoice(cfg.Providers.S2S.Name, cfg.Voice.Voice); err != nil && cfg.Providers.S2S.Name != "" {
		slog.Error("invalid voice configuration", "err", err)
		return 1
	}

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		provider := cfg.Providers.S2S.Name
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
			applyReload(d, provider, level, reg, application)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of d and logs the sections
// that need a restart. provider is the S2S provider the process started with.
func applyReload(d config.ConfigDiff, provider string, level *slog.LevelVar, reg *config.Registry, application *app.App) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		if err := reg.CheckVoice(provider, d.NewVoice.Voice); err != nil && provider != "" {
			slog.Warn("voice config not applied", "err", err)
		} else if err := application.ApplyVoice(d.NewVoice); err != nil {
			slog.Warn("voice config not applied", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", geminilive.Voices, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "write_queue"); n > 0 {
			opts = append(opts, geminilive.WithWriteQueue(n))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-sdk", genailive.Voices, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "write_queue"); n > 0 {
			opts = append(opts, genailive.WithWriteQueue(n))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", oais2s.Voices, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "write_queue"); n > 0 {
			opts = append(opts, oais2s.WithWriteQueue(n))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(config.AudioPortAudio, func(cfg config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Input:  &portaudio.InputDevice{Name: cfg.InputDevice},
			Output: &portaudio.OutputDevice{Name: cfg.OutputDevice},
		}, nil
	})

	reg.RegisterAudio(config.AudioWAV, func(cfg config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Input:  &wavfile.InputDevice{Path: cfg.WAV.InputPath, Loop: cfg.WAV.Loop},
			Output: &wavfile.OutputDevice{Path: cfg.WAV.OutputPath},
		}, nil
	})
}

// buildProviders instantiates every configured provider using the registry.
// Providers with an empty name are left nil (not configured).
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := &app.Providers{}

	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	p.Audio = devices

	if name := cfg.Providers.S2S.Name; name != "" {
		primary, err := reg.CreateS2S(cfg.Providers.S2S)
		if err != nil {
			return nil, fmt.Errorf("s2s: %w", err)
		}
		p.S2S = primary

		if len(cfg.Providers.S2SFallbacks) > 0 {
			failover := resilience.NewS2SFailover(primary, name, resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					MaxFailures:  cfg.Command.Breaker.MaxFailures,
					ResetTimeout: cfg.Command.Breaker.ResetTimeout,
				},
			})
			for i, entry := range cfg.Providers.S2SFallbacks {
				fb, err := reg.CreateS2S(entry)
				if err != nil {
					return nil, fmt.Errorf("s2s fallback %d: %w", i, err)
				}
				failover.AddFallback(entry.Name, fb)
			}
			p.S2S = failover
		}
	}

	if entry := cfg.Providers.Command; entry.Name != "" {
		ep, err := buildCommandEndpoint(entry, cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("command: %w", err)
		}
		p.Command = ep
	}

	return p, nil
}

// buildCommandEndpoint returns the HTTP command client guarded by a circuit
// breaker.
func buildCommandEndpoint(entry config.ProviderEntry, cfg config.CommandConfig) (command.Endpoint, error) {
	if entry.Name != "http" {
		return nil, fmt.Errorf("%w: command/%q", config.ErrProviderNotRegistered, entry.Name)
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "command",
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	opts := []command.ClientOption{
		command.WithTimeout(cfg.Timeout),
		command.WithBreaker(breaker),
	}
	if entry.APIKey != "" {
		opts = append(opts, command.WithAPIKey(entry.APIKey))
	}
	return command.NewHTTPClient(entry.BaseURL, opts...)
}

// ── Logging ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       brokervoice startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	fmt.Printf("║  S2S fallbacks   : %-19d ║\n", len(cfg.Providers.S2SFallbacks))
	printProvider("Command", cfg.Providers.Command.Name, "")
	printProvider("Audio", string(cfg.Audio.Backend), "")
	printProvider("Voice", cfg.Voice.Voice, cfg.Voice.Language)
	if cfg.Audit.PostgresDSN != "" {
		fmt.Printf("║  Audit           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Audit           : %-19s ║\n", "memory")
	}
	if cfg.Events.NATSURL != "" {
		fmt.Printf("║  Events          : %-19s ║\n", "nats")
	} else {
		fmt.Printf("║  Events          : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-16s: %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; floats are truncated. Returns 0 when absent.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
