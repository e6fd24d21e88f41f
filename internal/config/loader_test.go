package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/frontdesk/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"realtime_url", cfg.Upstream.RealtimeURL, config.DefaultRealtimeURL},
		{"model", cfg.Upstream.Model, config.DefaultModel},
		{"transcription_model", cfg.Upstream.TranscriptionModel, "whisper-1"},
		{"voice", cfg.Session.Voice, config.DefaultVoice},
		{"turn_detection.type", cfg.Session.TurnDetection.Type, "server_vad"},
		{"turn_detection.threshold", cfg.Session.TurnDetection.Threshold, 0.5},
		{"turn_detection.silence_duration_ms", cfg.Session.TurnDetection.SilenceDurationMs, 500},
		{"location", cfg.Directory.Location, "Dubai"},
		{"strategy", cfg.Client.Strategy, config.StrategyRelay},
		{"open_timeout", cfg.Client.OpenTimeout, config.DefaultOpenTimeout},
		{"latency_interval", cfg.Client.LatencyInterval, 2 * time.Second},
		{"block_size", cfg.Client.BlockSize, 2048},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins: ["localhost:5173"]
upstream:
  api_key: sk-from-file
  model: gpt-4o-realtime-preview-2024-10-01
  timeout: 5s
  breaker:
    max_failures: 2
    reset_timeout: 10s
session:
  voice: alloy
  voices: [alloy, marin]
  turn_detection:
    threshold: 0.6
    silence_duration_ms: 800
directory:
  companies:
    - name: Al Noor Bakery
      category: Food
    - name: Gulf Logistics
client:
  strategy: peer
  stun_servers: ["stun:stun.example.org:3478"]
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Upstream.APIKey != "sk-from-file" {
		t.Errorf("api_key from file was overridden: %q", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.Timeout != 5*time.Second || cfg.Upstream.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("durations = %v / %v", cfg.Upstream.Timeout, cfg.Upstream.Breaker.ResetTimeout)
	}
	if cfg.Session.TurnDetection.Threshold != 0.6 || cfg.Session.TurnDetection.PrefixPaddingMs != 300 {
		t.Errorf("turn detection = %+v", cfg.Session.TurnDetection)
	}
	if len(cfg.Directory.Companies) != 2 {
		t.Errorf("companies = %v", cfg.Directory.Companies)
	}
	if cfg.Client.Strategy != config.StrategyPeer {
		t.Errorf("strategy = %q", cfg.Client.Strategy)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
upstream:
  realtime_url: "https://api.openai.com/v1/realtime"
session:
  voice: echo
  voices: [alloy]
  turn_detection:
    threshold: 1.5
directory:
  companies:
    - name: Acme
    - name: acme
    - name: ""
client:
  strategy: carrier-pigeon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"server.log_level",
		"upstream.realtime_url",
		"session.voice",
		"threshold",
		"duplicate",
		"directory.companies[2].name is required",
		"client.strategy",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{config.EnvAPIKey: "  sk-env  "}
	getenv := func(k string) string { return env[k] }

	cfg := &config.Config{}
	config.ApplyEnv(cfg, getenv)
	if cfg.Upstream.APIKey != "sk-env" {
		t.Errorf("api key = %q, want sk-env", cfg.Upstream.APIKey)
	}

	cfg = &config.Config{Upstream: config.UpstreamConfig{APIKey: "sk-file"}}
	config.ApplyEnv(cfg, getenv)
	if cfg.Upstream.APIKey != "sk-file" {
		t.Errorf("explicit key overridden: %q", cfg.Upstream.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FRONTDESK_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FRONTDESK_TEST_DOTENV", "")
	os.Unsetenv("FRONTDESK_TEST_DOTENV")

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("FRONTDESK_TEST_DOTENV"); got != "from-file" {
		t.Errorf("env = %q, want from-file", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: open") {
		t.Errorf("err = %v", err)
	}
}
