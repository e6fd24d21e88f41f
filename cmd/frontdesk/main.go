// Command frontdesk is a terminal voice client. It calls one company's front
// desk through a frontdesk-relay server using the host microphone and
// speakers, and prints the activity log and transcript as the call goes on.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/frontdesk/internal/config"
	"github.com/MrWong99/frontdesk/internal/session"
	"github.com/MrWong99/frontdesk/pkg/audio/command"
	"github.com/MrWong99/frontdesk/pkg/transport"
	"github.com/MrWong99/frontdesk/pkg/transport/peer"
	"github.com/MrWong99/frontdesk/pkg/transport/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the configuration")
	server := flag.String("server", "", "relay server base URL (overrides client.server_url)")
	company := flag.String("company", "", "company to call (overrides client.company)")
	strategy := flag.String("strategy", "", "session transport: relay or peer (overrides client.strategy)")
	voice := flag.String("voice", "", "voice profile (overrides session.voice)")
	list := flag.String("list", "", "list companies matching the query instead of calling (use \"*\" for all)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		return 1
	}
	override(&cfg.Client.ServerURL, *server)
	override(&cfg.Client.Company, *company)
	override(&cfg.Session.Voice, *voice)
	if *strategy != "" {
		cfg.Client.Strategy = config.Strategy(*strategy)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel).With("client_id", uuid.NewString())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *list != "" {
		if err := listCompanies(ctx, cfg.Client.ServerURL, *list); err != nil {
			fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
			return 1
		}
		return 0
	}
	if cfg.Client.Company == "" {
		fmt.Fprintln(os.Stderr, "frontdesk: no company selected, pass -company or run with -list \"*\"")
		return 2
	}

	// ── Session ───────────────────────────────────────────────────────────────
	factory, err := newFactory(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		return 1
	}
	speaker := command.NewSpeaker(cfg.Client.PlaybackCommand, logger)
	defer speaker.Close()

	sess := session.New(session.Config{
		Company:         cfg.Client.Company,
		Voice:           cfg.Session.Voice,
		OpenTimeout:     cfg.Client.OpenTimeout,
		LatencyInterval: cfg.Client.LatencyInterval,
		BlockSize:       cfg.Client.BlockSize,
		Logger:          logger,
	}, session.Deps{
		Transports: factory,
		Microphone: command.NewMicrophone(cfg.Client.CaptureCommand),
		Sink:       speaker,
	})

	p := &printer{out: os.Stdout}
	failed := make(chan struct{})
	var failOnce sync.Once
	unsubscribe := sess.Subscribe(func(s session.Snapshot) {
		p.print(s)
		if s.Status == session.StatusError {
			failOnce.Do(func() { close(failed) })
		}
	})
	defer unsubscribe()

	fmt.Printf("Calling %s via %s (%s). Press Ctrl+C to hang up.\n", cfg.Client.Company, cfg.Client.ServerURL, cfg.Client.Strategy)
	if err := sess.Start(ctx); err != nil {
		sess.Stop()
		if errors.Is(err, session.ErrStopped) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		return 1
	}

	code := 0
	select {
	case <-ctx.Done():
	case <-failed:
		code = 1
	}
	// Stop clears the transcript, so take the final state first.
	final := sess.Snapshot()
	sess.Stop()
	p.flush(final)
	return code
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		config.ApplyEnv(cfg, os.Getenv)
		return cfg, nil
	}
	return config.Load(path)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ── Transport strategies ──────────────────────────────────────────────────────

// newFactory returns the transport factory for the configured strategy.
func newFactory(cfg *config.Config, log *slog.Logger) (transport.Factory, error) {
	base, err := url.Parse(cfg.Client.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	switch cfg.Client.Strategy {
	case config.StrategyPeer:
		hc := &http.Client{Timeout: cfg.Client.OpenTimeout}
		minter := &peer.HTTPMinter{Endpoint: base.JoinPath("api", "session").String(), Client: hc}
		exchanger := &peer.HTTPExchanger{
			Endpoint: base.JoinPath("api", "rtc").String(),
			Model:    cfg.Upstream.Model,
			Client:   hc,
		}
		return func(p transport.Params) (transport.Transport, error) {
			return peer.New(peer.Config{
				Company:    p.Company,
				Voice:      p.Voice,
				Model:      cfg.Upstream.Model,
				ICEServers: cfg.Client.STUNServers,
				Sink:       p.Sink,
				Logger:     log,
			}, minter, exchanger), nil
		}, nil

	default:
		ws := base.JoinPath("api", "realtime")
		switch ws.Scheme {
		case "https":
			ws.Scheme = "wss"
		case "http":
			ws.Scheme = "ws"
		}
		opts := []relay.Option{relay.WithLogger(log)}
		if cfg.Client.BinaryAudio {
			opts = append(opts, relay.WithBinaryAudio())
		}
		endpoint := ws.String()
		return func(p transport.Params) (transport.Transport, error) {
			return relay.New(endpoint, p.Company, append([]relay.Option{relay.WithVoice(p.Voice)}, opts...)...), nil
		}, nil
	}
}

// ── Directory listing ─────────────────────────────────────────────────────────

type companyListing struct {
	Location  string `json:"location"`
	Companies []struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Phone    string `json:"phone"`
	} `json:"companies"`
}

// listCompanies prints the relay's directory filtered by query.
func listCompanies(ctx context.Context, server, query string) error {
	u, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	u = u.JoinPath("api", "companies")
	if query != "*" {
		u.RawQuery = url.Values{"q": {query}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("list companies: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("list companies: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var l companyListing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return fmt.Errorf("list companies: decode: %w", err)
	}
	fmt.Printf("Companies in %s:\n", l.Location)
	for _, c := range l.Companies {
		line := "  " + c.Name
		if c.Category != "" {
			line += " (" + c.Category + ")"
		}
		if c.Phone != "" {
			line += "  " + c.Phone
		}
		fmt.Println(line)
	}
	if len(l.Companies) == 0 {
		fmt.Println("  no matches")
	}
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// printer writes new activity log lines and finished transcript entries.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	logSeen int
	// printed is the highest transcript sequence already written.
	printed uint64
	status  session.ConnectionStatus
}

func (p *printer) print(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(s.Log) < p.logSeen {
		p.logSeen = 0
	}
	for _, e := range s.Log[p.logSeen:] {
		fmt.Fprintf(p.out, "[%s] %s\n", e.Time.Format("15:04:05"), e.Message)
	}
	p.logSeen = len(s.Log)

	if s.Status != p.status {
		p.status = s.Status
		if s.Status == session.StatusError && s.ErrorMessage != "" {
			fmt.Fprintf(p.out, "!! %s\n", s.ErrorMessage)
		}
	}

	// The last entry may still be growing; print everything before it.
	if n := len(s.Entries); n > 1 {
		p.writeEntries(s.Entries[:n-1])
	}
}

// flush prints every remaining transcript entry.
func (p *printer) flush(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeEntries(s.Entries)
}

func (p *printer) writeEntries(entries []session.TranscriptEntry) {
	for _, e := range entries {
		if e.Seq <= p.printed {
			continue
		}
		fmt.Fprintf(p.out, "%s: %s\n", speakerLabel(e.Speaker), e.Text)
		p.printed = e.Seq
	}
}

func speakerLabel(s session.Speaker) string {
	if s == session.SpeakerAgent {
		return "Front desk"
	}
	return "You"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
