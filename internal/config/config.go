// Package config provides the configuration schema, loader and file watcher
// for the frontdesk relay service and voice client.
package config

import "time"

// LogLevel controls log verbosity.
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

// Strategy selects the session transport used by the voice client.
type Strategy string

const (
	// StrategyRelay tunnels control events and base64 audio through the
	// relay's WebSocket endpoint.
	StrategyRelay Strategy = "relay"

	// StrategyPeer negotiates a WebRTC media connection using a minted
	// credential.
	StrategyPeer Strategy = "peer"
)

// IsValid reports whether s is a recognised transport strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyRelay || s == StrategyPeer
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Directory DirectoryConfig `yaml:"directory"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig holds network and logging settings for the relay service.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Environment is reported by /api/health (e.g., "development").
	Environment string `yaml:"environment"`

	// AllowedOrigins lists host patterns accepted for WebSocket upgrades from
	// browsers. Empty accepts same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig describes the upstream realtime speech service.
type UpstreamConfig struct {
	// APIKey authenticates the relay against the upstream. Filled from the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL is the REST base of the upstream API
	// (default "https://api.openai.com/v1/").
	BaseURL string `yaml:"base_url"`

	// RealtimeURL is the upstream WebSocket endpoint
	// (default "wss://api.openai.com/v1/realtime").
	RealtimeURL string `yaml:"realtime_url"`

	// Model is the realtime model requested upstream.
	Model string `yaml:"model"`

	// TranscriptionModel transcribes caller audio (default "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// Timeout bounds each upstream HTTP call and WebSocket dial.
	Timeout time.Duration `yaml:"timeout"`

	// Breaker tunes the circuit breaker in front of the upstream.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// SessionConfig holds the conversational settings sent upstream with every
// session.
type SessionConfig struct {
	// Voice is the default voice profile.
	Voice string `yaml:"voice"`

	// Voices lists the voice profiles clients may request. Empty allows any.
	Voices []string `yaml:"voices"`

	// TurnDetection configures server-side voice-activity detection.
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig mirrors the upstream turn_detection object.
type TurnDetectionConfig struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
}

// DirectoryConfig holds the company directory served to clients.
type DirectoryConfig struct {
	// Location is the city every front desk claims to be based in.
	Location string `yaml:"location"`

	// Companies is the directory listing.
	Companies []CompanyConfig `yaml:"companies"`
}

// CompanyConfig is one directory entry.
type CompanyConfig struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Phone    string `yaml:"phone"`

	// Instructions replaces the generated front-desk instructions when set.
	Instructions string `yaml:"instructions"`
}

// ClientConfig configures the terminal voice client.
type ClientConfig struct {
	// ServerURL is the relay service base URL (e.g., "http://localhost:8080").
	ServerURL string `yaml:"server_url"`

	// Strategy selects the session transport.
	Strategy Strategy `yaml:"strategy"`

	// Company is the default company to call.
	Company string `yaml:"company"`

	// OpenTimeout bounds session start.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// LatencyInterval is the round-trip sampling period while connected.
	LatencyInterval time.Duration `yaml:"latency_interval"`

	// BlockSize is the number of samples per captured block.
	BlockSize int `yaml:"block_size"`

	// BinaryAudio sends captured audio as binary frames on the relay
	// strategy instead of base64 append events.
	BinaryAudio bool `yaml:"binary_audio"`

	// STUNServers lists ICE servers for the peer strategy.
	STUNServers []string `yaml:"stun_servers"`

	// CaptureCommand and PlaybackCommand override the host audio commands.
	CaptureCommand  []string `yaml:"capture_command"`
	PlaybackCommand []string `yaml:"playback_command"`
}
