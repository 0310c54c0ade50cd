package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/MrWong99/brokervoice/internal/voice"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":     {"gemini-live", "gemini-sdk", "openai-realtime"},
	"command": {"http"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Telemetry
	if cfg.Telemetry.TraceExporter != "" && !cfg.Telemetry.TraceExporter.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.TraceExporter))
	}
	if cfg.Telemetry.TraceExporter == TraceExporterOTLP && cfg.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp"))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	if cfg.Providers.S2S.Name == "" {
		slog.Warn("providers.s2s is not configured; voice sessions will not be available")
		if len(cfg.Providers.S2SFallbacks) > 0 {
			errs = append(errs, errors.New("providers.s2s_fallbacks requires providers.s2s"))
		}
	}
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}

	validateProviderName("command", cfg.Providers.Command.Name)
	if cfg.Providers.Command.Name != "" {
		if cfg.Providers.Command.BaseURL == "" {
			errs = append(errs, errors.New("providers.command.base_url is required when providers.command is configured"))
		} else if u, err := url.Parse(cfg.Providers.Command.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("providers.command.base_url %q is not an absolute URL", cfg.Providers.Command.BaseURL))
		}
	} else {
		slog.Warn("providers.command is not configured; voice commands will not be available")
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, wav", cfg.Audio.Backend))
	}
	if cfg.Audio.Backend == AudioWAV {
		if cfg.Audio.WAV.InputPath == "" {
			errs = append(errs, errors.New("audio.wav.input_path is required when backend is wav"))
		}
		if cfg.Audio.WAV.OutputPath == "" {
			errs = append(errs, errors.New("audio.wav.output_path is required when backend is wav"))
		}
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.PreOpenQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.preopen_queue %d must be positive", cfg.Audio.PreOpenQueue))
	}

	// Voice
	if _, err := voice.ParseConflictPolicy(cfg.Voice.OnConflict); err != nil {
		errs = append(errs, fmt.Errorf("voice.on_conflict %q is invalid; valid values: reject, replace", cfg.Voice.OnConflict))
	}

	// Command
	if cfg.Command.Timeout < 0 {
		errs = append(errs, fmt.Errorf("command.timeout %s must not be negative", cfg.Command.Timeout))
	}
	if cfg.Command.MaxUtterance < 0 {
		errs = append(errs, fmt.Errorf("command.max_utterance %s must not be negative", cfg.Command.MaxUtterance))
	}
	if cfg.Command.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("command.breaker.max_failures %d must not be negative", cfg.Command.Breaker.MaxFailures))
	}
	if cfg.Command.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("command.breaker.reset_timeout %s must not be negative", cfg.Command.Breaker.ResetTimeout))
	}

	// Events
	if cfg.Events.NATSURL != "" {
		if u, err := url.Parse(cfg.Events.NATSURL); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Errorf("events.nats_url %q is not a valid URL", cfg.Events.NATSURL))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
