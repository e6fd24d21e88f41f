package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/frontdesk/internal/app"
	"github.com/MrWong99/frontdesk/internal/config"
	"github.com/MrWong99/frontdesk/internal/observe"
)

// testConfig returns a validated default config listening on a free port.
func testConfig(apiKey string) *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.Environment = "test"
	cfg.Upstream.APIKey = apiKey
	cfg.Directory.Companies = []config.CompanyConfig{
		{Name: "Al Noor Bakery", Category: "Food & Beverage"},
		{Name: "Marina Crown Hotel", Category: "Hospitality"},
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func getJSON(t *testing.T, u string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("GET %s: decode: %v", u, err)
	}
	return resp.StatusCode, out
}

func companyNames(body map[string]any) []string {
	var names []string
	list, _ := body["companies"].([]any)
	for _, c := range list {
		if m, ok := c.(map[string]any); ok {
			names = append(names, fmt.Sprint(m["name"]))
		}
	}
	return names
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# metrics")
	})
	a, err := app.New(testConfig("sk-test"),
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(metricsHandler),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if status, body := getJSON(t, srv.URL+"/healthz"); status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/healthz = %d %v", status, body)
	}
	if status, body := getJSON(t, srv.URL+"/readyz"); status != http.StatusOK {
		t.Errorf("/readyz = %d %v", status, body)
	}

	status, body := getJSON(t, srv.URL+"/api/health")
	if status != http.StatusOK || body["apiKeyConfigured"] != true || body["environment"] != "test" {
		t.Errorf("/api/health = %d %v", status, body)
	}

	status, body = getJSON(t, srv.URL+"/api/companies?q=hotel")
	if status != http.StatusOK {
		t.Fatalf("/api/companies = %d", status)
	}
	if names := companyNames(body); len(names) != 1 || names[0] != "Marina Crown Hotel" {
		t.Errorf("search results = %v", names)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(text) != "# metrics" {
		t.Errorf("/metrics = %d %q", resp.StatusCode, text)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("middleware did not set X-Correlation-ID")
	}
}

func TestNew_NoAPIKey(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(""), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if _, body := getJSON(t, srv.URL+"/api/health"); body["apiKeyConfigured"] != false {
		t.Errorf("apiKeyConfigured = %v, want false", body["apiKeyConfigured"])
	}
	status, body := getJSON(t, srv.URL+"/api/realtime?company=x")
	if status != http.StatusInternalServerError {
		t.Errorf("/api/realtime status = %d, want 500", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "API key not configured") {
		t.Errorf("error = %q", msg)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("")
	var level slog.LevelVar
	a, err := app.New(cfg, app.WithMetrics(testMetrics(t)), app.WithLevel(&level))
	if err != nil {
		t.Fatal(err)
	}

	next := testConfig("sk-reloaded")
	next.Server.LogLevel = config.LogDebug
	next.Directory.Companies = append(next.Directory.Companies, config.CompanyConfig{Name: "Dune Logistics"})
	a.ApplyConfig(cfg, next, config.Diff(cfg, next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if _, ok := a.Directory().Lookup("dune logistics"); !ok {
		t.Error("directory was not reloaded")
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	if _, body := getJSON(t, srv.URL+"/api/health"); body["apiKeyConfigured"] != true {
		t.Error("reloaded API key not applied")
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig("sk-test"), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	addr, err := a.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if status, _ := getJSON(t, "http://"+addr.String()+"/healthz"); status != http.StatusOK {
		t.Errorf("/healthz = %d", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestShutdown_DrainsInFlightMint(t *testing.T) {
	t.Parallel()

	arrived := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/sessions" {
			http.NotFound(w, r)
			return
		}
		close(arrived)
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"sess_drain","client_secret":{"value":"ek_drain_secret_value","expires_at":1}}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig("sk-test")
	cfg.Upstream.BaseURL = upstream.URL + "/"
	a, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	addr, err := a.Listen()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(t.Context()) }()

	type result struct {
		status int
		err    error
	}
	minted := make(chan result, 1)
	go func() {
		resp, err := http.Post("http://"+addr.String()+"/api/session", "application/json",
			strings.NewReader(`{"company":"Al Noor Bakery"}`))
		if err != nil {
			minted <- result{err: err}
			return
		}
		resp.Body.Close()
		minted <- result{status: resp.StatusCode}
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("mint request never reached the upstream")
	}

	shutdown := make(chan error, 1)
	go func() { shutdown <- a.Shutdown(context.Background()) }()
	// Give Shutdown time to start draining before the upstream answers.
	time.Sleep(50 * time.Millisecond)
	close(release)

	res := <-minted
	if res.err != nil || res.status != http.StatusOK {
		t.Errorf("in-flight mint = %d, %v; want 200", res.status, res.err)
	}
	if err := <-shutdown; err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRun_HotReloadsDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(companies ...string) {
		t.Helper()
		var b strings.Builder
		b.WriteString("server:\n  listen_addr: 127.0.0.1:0\ndirectory:\n  companies:\n")
		for _, c := range companies {
			fmt.Fprintf(&b, "    - name: %s\n", c)
		}
		if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
			t.Fatal(err)
		}
		// Ensure the mtime moves even on coarse filesystem clocks.
		future := time.Now().Add(time.Duration(len(companies)) * time.Second)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatal(err)
		}
	}
	write("Al Noor Bakery")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := app.New(cfg, app.WithMetrics(testMetrics(t)), app.WithConfigWatch(path, 20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	write("Al Noor Bakery", "Oasis Fresh Foods")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := a.Directory().Lookup("Oasis Fresh Foods"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("directory was not hot-reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
