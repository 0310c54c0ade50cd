// Package config provides the configuration schema, loader, and provider registry
// for the brokervoice voice-session engine.
package config

import "time"

// LogLevel controls log verbosity for the brokervoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// TraceExporter selects where spans are exported.
type TraceExporter string

const (
	TraceExporterNone   TraceExporter = "none"
	TraceExporterStdout TraceExporter = "stdout"
	TraceExporterOTLP   TraceExporter = "otlp"
)

// IsValid reports whether e is a recognised exporter.
func (e TraceExporter) IsValid() bool {
	switch e {
	case TraceExporterNone, TraceExporterStdout, TraceExporterOTLP:
		return true
	}
	return false
}

// AudioBackend selects the microphone and speaker implementation.
type AudioBackend string

const (
	// AudioPortAudio uses the host's real devices.
	AudioPortAudio AudioBackend = "portaudio"

	// AudioWAV replays a WAV file as the microphone and renders playback to
	// another WAV file.
	AudioWAV AudioBackend = "wav"
)

// IsValid reports whether b is a recognised backend.
func (b AudioBackend) IsValid() bool {
	return b == AudioPortAudio || b == AudioWAV
}

// Config is the root configuration structure for brokervoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	Voice     VoiceConfig     `yaml:"voice"`
	Command   CommandConfig   `yaml:"command"`
	Audit     AuditConfig     `yaml:"audit"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds network and logging settings for the brokervoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects a text or JSON handler. Default text.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	ServiceName   string        `yaml:"service_name"`
	TraceExporter TraceExporter `yaml:"trace_exporter"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	OTLPInsecure  bool          `yaml:"otlp_insecure"`
}

// ProvidersConfig declares the remote collaborators. Each entry selects a
// named factory registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the primary voice-session collaborator.
	S2S ProviderEntry `yaml:"s2s"`

	// S2SFallbacks are dialled in order when the primary cannot be reached.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`

	// Command is the one-shot command endpoint. BaseURL is the full URL
	// requests are posted to.
	Command ProviderEntry `yaml:"command"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects and tunes the local devices.
type AudioConfig struct {
	Backend AudioBackend `yaml:"backend"`

	// InputDevice and OutputDevice name portaudio devices. Empty selects the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// BlockSize is the capture block size in samples.
	BlockSize int `yaml:"block_size"`

	// PreOpenQueue bounds the outbound frame queue. The oldest frame is
	// dropped when it is full.
	PreOpenQueue int `yaml:"preopen_queue"`

	WAV WAVConfig `yaml:"wav"`
}

// WAVConfig configures the wav backend.
type WAVConfig struct {
	InputPath  string `yaml:"input_path"`
	OutputPath string `yaml:"output_path"`
	Loop       bool   `yaml:"loop"`
}

// VoiceConfig is applied to every new voice session and may be hot-reloaded.
type VoiceConfig struct {
	// Voice is the prebuilt voice name; it must be one the S2S provider offers.
	Voice string `yaml:"voice"`

	// Language is an optional BCP-47 code.
	Language string `yaml:"language"`

	// Instructions is an optional system instruction.
	Instructions string `yaml:"instructions"`

	// OnConflict is "reject" (default) or "replace".
	OnConflict string `yaml:"on_conflict"`
}

// CommandConfig tunes the one-shot command flow.
type CommandConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxUtterance time.Duration `yaml:"max_utterance"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding the command endpoint.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AuditConfig selects the audit store. An empty PostgresDSN keeps the audit
// log in memory.
type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig configures the NATS lifecycle publisher. An empty NATSURL
// disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ── Defaults ──────────────────────────────────────────────────────────────────

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultServiceName   = "brokervoice"
	DefaultBlockSize     = 4096
	DefaultPreOpenQueue  = 32
	DefaultSubjectPrefix = "brokervoice"
)

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = TraceExporterNone
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioPortAudio
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.PreOpenQueue == 0 {
		cfg.Audio.PreOpenQueue = DefaultPreOpenQueue
	}
	if cfg.Voice.OnConflict == "" {
		cfg.Voice.OnConflict = "reject"
	}
	if cfg.Command.Timeout == 0 {
		cfg.Command.Timeout = 30 * time.Second
	}
	if cfg.Command.MaxUtterance == 0 {
		cfg.Command.MaxUtterance = 60 * time.Second
	}
	if cfg.Command.Breaker.MaxFailures == 0 {
		cfg.Command.Breaker.MaxFailures = 5
	}
	if cfg.Command.Breaker.ResetTimeout == 0 {
		cfg.Command.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}
