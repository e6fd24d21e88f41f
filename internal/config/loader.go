package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey is the environment variable holding the upstream API key.
const EnvAPIKey = "OPENAI_API_KEY"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultBaseURL            = "https://api.openai.com/v1/"
	DefaultRealtimeURL        = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-realtime"
	DefaultTranscriptionModel = "whisper-1"
	DefaultUpstreamTimeout    = 15 * time.Second
	DefaultVoice              = "marin"
	DefaultLocation           = "Dubai"
	DefaultServerURL          = "http://localhost:8080"
	DefaultOpenTimeout        = 15 * time.Second
	DefaultLatencyInterval    = 2 * time.Second
	DefaultBlockSize          = 2048
)

// Load reads the YAML configuration file at path, fills defaults and the
// environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none
// are named) into the process environment without overriding variables that
// are already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
		slog.Debug("environment loaded", "file", f)
	}
	return nil
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.Environment, "development")

	setDefault(&cfg.Upstream.BaseURL, DefaultBaseURL)
	setDefault(&cfg.Upstream.RealtimeURL, DefaultRealtimeURL)
	setDefault(&cfg.Upstream.Model, DefaultModel)
	setDefault(&cfg.Upstream.TranscriptionModel, DefaultTranscriptionModel)
	setDefault(&cfg.Upstream.Timeout, DefaultUpstreamTimeout)
	setDefault(&cfg.Upstream.Breaker.MaxFailures, 5)
	setDefault(&cfg.Upstream.Breaker.ResetTimeout, 30*time.Second)

	setDefault(&cfg.Session.Voice, DefaultVoice)
	td := &cfg.Session.TurnDetection
	setDefault(&td.Type, "server_vad")
	setDefault(&td.Threshold, 0.5)
	setDefault(&td.SilenceDurationMs, 500)
	setDefault(&td.PrefixPaddingMs, 300)

	setDefault(&cfg.Directory.Location, DefaultLocation)

	setDefault(&cfg.Client.ServerURL, DefaultServerURL)
	setDefault(&cfg.Client.Strategy, StrategyRelay)
	setDefault(&cfg.Client.OpenTimeout, DefaultOpenTimeout)
	setDefault(&cfg.Client.LatencyInterval, DefaultLatencyInterval)
	setDefault(&cfg.Client.BlockSize, DefaultBlockSize)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// ApplyEnv fills values that may come from the environment. getenv is
// usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = strings.TrimSpace(getenv(EnvAPIKey))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	if err := checkURL("upstream.base_url", cfg.Upstream.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("upstream.realtime_url", cfg.Upstream.RealtimeURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Upstream.Timeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout %v must not be negative", cfg.Upstream.Timeout))
	}

	// Session
	td := cfg.Session.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("session.turn_detection.silence_duration_ms %d must not be negative", td.SilenceDurationMs))
	}
	if len(cfg.Session.Voices) > 0 && cfg.Session.Voice != "" && !slices.Contains(cfg.Session.Voices, cfg.Session.Voice) {
		errs = append(errs, fmt.Errorf("session.voice %q is not listed in session.voices", cfg.Session.Voice))
	}

	// Directory
	seen := make(map[string]int, len(cfg.Directory.Companies))
	for i, c := range cfg.Directory.Companies {
		prefix := fmt.Sprintf("directory.companies[%d]", i)
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := strings.ToLower(c.Name)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of directory.companies[%d]", prefix, c.Name, prev))
		}
		seen[key] = i
	}

	// Client
	if cfg.Client.Strategy != "" && !cfg.Client.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("client.strategy %q is invalid; valid values: relay, peer", cfg.Client.Strategy))
	}
	if err := checkURL("client.server_url", cfg.Client.ServerURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Client.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("client.block_size %d must not be negative", cfg.Client.BlockSize))
	}
	if cfg.Client.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("client.open_timeout %v must not be negative", cfg.Client.OpenTimeout))
	}

	return errors.Join(errs...)
}

// checkURL validates an optional URL field against the allowed schemes.
func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, strings.Join(schemes, "/"))
	}
	return nil
}
