package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/brokervoice/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{S2S: config.ProviderEntry{Name: "gemini-live"}},
		Voice:     config.VoiceConfig{Voice: "Puck"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.IsZero() {
		t.Errorf("Diff of identical configs = %+v, want zero", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(), baseConfig()
	upd.Server.LogLevel = config.LogDebug

	d := config.Diff(old, upd)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Voice(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(), baseConfig()
	upd.Voice.Voice = "Kore"
	upd.Voice.OnConflict = "replace"

	d := config.Diff(old, upd)
	if !d.VoiceChanged {
		t.Fatal("VoiceChanged = false")
	}
	if d.NewVoice.Voice != "Kore" || d.NewVoice.OnConflict != "replace" {
		t.Errorf("NewVoice = %+v", d.NewVoice)
	}
	if d.LogLevelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(), baseConfig()
	upd.Server.ListenAddr = ":9999"
	upd.Providers.S2SFallbacks = []config.ProviderEntry{{Name: "openai-realtime"}}
	upd.Command.Timeout = 5 * time.Second
	upd.Events.NATSURL = "nats://localhost:4222"

	d := config.Diff(old, upd)
	want := []string{"server", "providers", "command", "events"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.VoiceChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(), baseConfig()
	old.Providers.S2S.Options = map[string]any{"write_queue": 64}
	upd.Providers.S2S.Options = map[string]any{"write_queue": 128}

	d := config.Diff(old, upd)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("RestartRequired = %v, want providers", d.RestartRequired)
	}
}
