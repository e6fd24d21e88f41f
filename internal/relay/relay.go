// Package relay implements the server side of a voice session: the WebSocket
// relay that tunnels control events and audio to the upstream realtime
// service, and the credential minting and session-description endpoints used
// by peer clients.
//
// The upstream API key never leaves the server. Relay clients are
// authenticated upstream by the server itself; peer clients receive a
// short-lived client secret minted per session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/frontdesk/internal/config"
	"github.com/MrWong99/frontdesk/internal/directory"
	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/resilience"
)

// User-visible error texts returned by the HTTP endpoints.
const (
	msgNoAPIKey       = "OpenAI API key not configured. Please ensure OPENAI_API_KEY is set in the server environment."
	msgMintFailed     = "Failed to create session. Please check your OpenAI API key and try again."
	msgUnavailable    = "OpenAI API temporarily unavailable. Please try again shortly."
	msgUpstreamPrefix = "OpenAI API error: "
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBreaker sets the circuit breaker guarding upstream calls. Default: a
// breaker built from the upstream configuration.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithHTTPClient sets the HTTP client used for upstream calls and dials.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// WithLogger sets the logger for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// ── Server ─────────────────────────────────────────────────────────────────────

// Server serves /api/realtime, /api/session and /api/rtc.
type Server struct {
	dir        *directory.Directory
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	httpClient *http.Client
	log        *slog.Logger

	mu sync.RWMutex
	st settings
}

// settings is the reloadable part of the server configuration. It is
// replaced wholesale by [Server.ApplyConfig].
type settings struct {
	apiKey        string
	realtimeURL   string
	model         string
	transcription string
	timeout       time.Duration
	session       config.SessionConfig
	origins       []string
	client        oai.Client
}

// New creates a Server for cfg. Instructions for each session are looked up
// in dir.
func New(cfg *config.Config, dir *directory.Directory, opts ...Option) *Server {
	s := &Server{dir: dir}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "upstream",
			MaxFailures:  cfg.Upstream.Breaker.MaxFailures,
			ResetTimeout: cfg.Upstream.Breaker.ResetTimeout,
			Trips:        IsUpstreamFailure,
			Logger:       s.log,
		})
	}
	s.ApplyConfig(cfg)
	return s
}

// ApplyConfig replaces the upstream, session and origin settings. Sessions
// already relayed keep the settings they started with.
func (s *Server) ApplyConfig(cfg *config.Config) {
	st := settings{
		apiKey:        cfg.Upstream.APIKey,
		realtimeURL:   cfg.Upstream.RealtimeURL,
		model:         cfg.Upstream.Model,
		transcription: cfg.Upstream.TranscriptionModel,
		timeout:       cfg.Upstream.Timeout,
		session:       cfg.Session,
		origins:       slices.Clone(cfg.Server.AllowedOrigins),
	}
	if st.timeout <= 0 {
		st.timeout = config.DefaultUpstreamTimeout
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(st.apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.Upstream.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Upstream.BaseURL))
	}
	hc := s.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: st.timeout}
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	st.client = oai.NewClient(reqOpts...)

	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// APIKeyConfigured reports whether an upstream API key is set.
func (s *Server) APIKeyConfigured() bool {
	return s.settings().apiKey != ""
}

// Breaker returns the circuit breaker guarding upstream calls.
func (s *Server) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// Register adds the relay routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/realtime", s.handleRealtime)
	mux.HandleFunc("POST /api/session", s.handleMint)
	mux.HandleFunc("POST /api/rtc", s.handleRTC)
}

func (s *Server) settings() settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// voiceAllowed reports whether voice may be requested. An empty allow-list
// accepts every voice.
func (st settings) voiceAllowed(voice string) bool {
	return len(st.session.Voices) == 0 || slices.Contains(st.session.Voices, voice)
}

// ── Upstream failures ──────────────────────────────────────────────────────────

// StatusError is returned when the upstream answers a WebSocket handshake
// with a non-upgrade status.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %s: upstream status %d", e.Op, e.Code)
}

// IsUpstreamFailure reports whether err should count against the upstream
// circuit breaker. Cancelled requests and upstream rejections of the
// caller's own request (4xx other than 429) do not.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	code := 0
	var apiErr *oai.Error
	var stErr *StatusError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.StatusCode
	case errors.As(err, &stErr):
		code = stErr.Code
	default:
		return true
	}
	return code >= 500 || code == http.StatusTooManyRequests
}

// errorKind labels err for the upstream error counter.
func errorKind(err error) string {
	var apiErr *oai.Error
	var stErr *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &apiErr), errors.As(err, &stErr):
		return "status"
	default:
		return "network"
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(ctx).Warn("relay: encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, errorBody{Error: msg})
}
