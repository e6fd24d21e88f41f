// Package app wires the frontdesk relay service into a running application.
//
// The App struct owns the full lifecycle: New builds the directory, the relay
// and the health endpoints and mounts them on one HTTP server, Run serves
// until the context is cancelled while polling the config file for hot
// reloads, and Shutdown drains the server.
//
// For testing, inject the metric instruments and upstream HTTP client via
// functional options and drive [App.Handler] through httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/frontdesk/internal/config"
	"github.com/MrWong99/frontdesk/internal/directory"
	"github.com/MrWong99/frontdesk/internal/health"
	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/relay"
)

// shutdownTimeout bounds the graceful drain started when Run's context ends.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay service.
type App struct {
	cfg *config.Config

	dir     *directory.Directory
	relay   *relay.Server
	health  *health.Handler
	metrics *observe.Metrics
	watcher *config.Watcher
	level   *slog.LevelVar

	metricsHandler http.Handler
	httpClient     *http.Client
	watchPath      string
	watchInterval  time.Duration

	handler http.Handler
	server  *http.Server
	ln      net.Listener

	// runCtx is the base context of every request. Shutdown cancels it
	// after the drain to end relayed sessions, which outlive Shutdown once
	// hijacked.
	runCtx    context.Context
	runCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevel sets the level variable adjusted when server.log_level is
// reloaded.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithConfigWatch polls the config file at path and applies hot-reloadable
// changes while Run is active. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Nothing listens until [App.Listen] or
// [App.Run] is called.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	// ── 1. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		wopts := []config.WatcherOption{}
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, wopts...)
		if err != nil {
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 2. Directory + relay ─────────────────────────────────────────────
	a.dir = directory.New(cfg.Directory)
	relayOpts := []relay.Option{relay.WithMetrics(a.metrics)}
	if a.httpClient != nil {
		relayOpts = append(relayOpts, relay.WithHTTPClient(a.httpClient))
	}
	a.relay = relay.New(cfg, a.dir, relayOpts...)

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		[]health.Checker{
			{Name: "upstream", Check: a.relay.Breaker().Check},
		},
		health.WithEnvironment(cfg.Server.Environment),
		health.WithAPIKeyProbe(a.relay.APIKeyConfigured),
	)

	// ── 4. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.health.Register(mux)
	a.dir.Register(mux)
	a.relay.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.runCtx },
	}
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Directory returns the company directory served by the app.
func (a *App) Directory() *directory.Directory {
	return a.dir
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. It is the watcher's
// change callback.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DirectoryChanged {
		a.dir.Replace(next.Directory)
		for _, c := range d.CompanyChanges {
			slog.Info("directory updated", "company", c.Name, "added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
	}
	if d.SessionChanged {
		slog.Info("session settings changed", "voice", next.Session.Voice)
	}
	// Upstream settings are not tracked by the diff but are cheap to swap.
	a.relay.ApplyConfig(next)
}

// slogLevel converts a configured level to its slog counterpart.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Run ─────────────────────────────────────────────────────────────────────

// Listen binds the configured address. Run calls it when the caller has not.
func (a *App) Listen() (net.Addr, error) {
	if a.ln != nil {
		return a.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.ln = ln
	return ln.Addr(), nil
}

// Run serves HTTP and polls the config file until ctx is cancelled or
// Shutdown is called, then drains the server. It returns the first serving error, or nil after a
// clean shutdown.
func (a *App) Run(ctx context.Context) error {
	addr, err := a.Listen()
	if err != nil {
		return err
	}
	slog.Info("relay service listening", "addr", addr.String(), "tls", a.cfg.Server.TLS != nil)

	// A direct Shutdown call also ends Run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.runCtx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, ends relayed sessions and waits for
// in-flight requests until ctx expires. Calling it more than once returns
// the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down relay service")
		err := a.server.Shutdown(ctx)
		// Hijacked relay connections are not tracked by Shutdown; they end
		// with the base context once ordinary requests have drained.
		a.runCancel()
		// Shutdown only closes listeners passed to Serve; Listen may have
		// bound one that was never served.
		if a.ln != nil {
			_ = a.ln.Close()
		}
		if err != nil {
			a.stopErr = fmt.Errorf("app: shutdown: %w", err)
			return
		}
		slog.Info("shutdown complete")
	})
	return a.stopErr
}
