package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/brokervoice/internal/app"
	"github.com/MrWong99/brokervoice/internal/audit"
	"github.com/MrWong99/brokervoice/internal/config"
	"github.com/MrWong99/brokervoice/internal/resilience"
	"github.com/MrWong99/brokervoice/pkg/audio/wavfile"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	got := reg.S2SNames()
	want := []string{"gemini-live", "gemini-sdk", "openai-realtime"}
	if len(got) != len(want) {
		t.Fatalf("S2SNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("S2SNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if err := reg.CheckVoice("gemini-live", "Puck"); err != nil {
		t.Errorf("CheckVoice(gemini-live, Puck): %v", err)
	}
	if err := reg.CheckVoice("openai-realtime", "Puck"); !errors.Is(err, config.ErrUnknownVoice) {
		t.Errorf("CheckVoice(openai-realtime, Puck) = %v, want ErrUnknownVoice", err)
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			S2S:     config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
			Command: config.ProviderEntry{Name: "http", BaseURL: "https://example.com/cmd"},
		},
		Audio: config.AudioConfig{
			Backend: config.AudioWAV,
			WAV:     config.WAVConfig{InputPath: "in.wav", OutputPath: "out.wav"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := buildProviders(testConfig(), reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if p.S2S == nil || p.Command == nil {
		t.Fatalf("providers = %+v, want s2s and command", p)
	}
	if _, ok := p.Audio.Input.(*wavfile.InputDevice); !ok {
		t.Errorf("input = %T, want *wavfile.InputDevice", p.Audio.Input)
	}
	if _, ok := p.S2S.(*resilience.S2SFailover); ok {
		t.Error("S2S is a failover group without fallbacks")
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := testConfig()
	cfg.Providers.S2SFallbacks = []config.ProviderEntry{{Name: "openai-realtime", APIKey: "k"}}
	p, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := p.S2S.(*resilience.S2SFailover); !ok {
		t.Errorf("S2S = %T, want *resilience.S2SFailover", p.S2S)
	}

	cfg.Providers.S2SFallbacks = []config.ProviderEntry{{Name: "nope"}}
	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown fallback error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBuildProviders_UnknownCommand(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := testConfig()
	cfg.Providers.Command.Name = "grpc"
	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := testConfig()
	cfg.Voice.Voice = "Puck"
	application, err := app.New(t.Context(), cfg, &app.Providers{}, app.WithAuditStore(audit.NewMemStore(1)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(t.Context()) })

	level := new(slog.LevelVar)
	old := testConfig()
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Voice.Voice = "Kore"
	applyReload(config.Diff(old, next), old.Providers.S2S.Name, level, reg, application)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	// An unknown voice is rejected without touching the level.
	bad := testConfig()
	bad.Server.LogLevel = config.LogDebug
	bad.Voice.Voice = "NotAVoice"
	applyReload(config.Diff(next, bad), old.Providers.S2S.Name, level, reg, application)
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v after rejected voice, want debug", level.Level())
	}
}

func TestOptInt(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"a": 3, "b": int64(4), "c": 5.9, "d": "6"}
	for key, want := range map[string]int{"a": 3, "b": 4, "c": 5, "d": 0, "missing": 0} {
		if got := optInt(opts, key); got != want {
			t.Errorf("optInt(%q) = %d, want %d", key, got, want)
		}
	}
	if got := optInt(nil, "a"); got != 0 {
		t.Errorf("optInt(nil) = %d, want 0", got)
	}
}
