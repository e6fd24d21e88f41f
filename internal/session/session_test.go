package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/session"
	"github.com/MrWong99/frontdesk/pkg/audio"
	audiomock "github.com/MrWong99/frontdesk/pkg/audio/mock"
	"github.com/MrWong99/frontdesk/pkg/realtime"
	"github.com/MrWong99/frontdesk/pkg/transport"
	trmock "github.com/MrWong99/frontdesk/pkg/transport/mock"
)

type fixture struct {
	sess *session.Session
	tr   *trmock.Transport
	mic  *audiomock.Microphone
	src  *audiomock.Source
	sink *audiomock.Sink
}

func newFixture(t *testing.T, mutate func(*session.Config, *session.Deps)) *fixture {
	t.Helper()
	f := &fixture{
		tr:   &trmock.Transport{},
		src:  audiomock.NewSource(16),
		sink: &audiomock.Sink{},
	}
	f.mic = &audiomock.Microphone{OpenResult: f.src}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	cfg := session.Config{
		Company:         "Al Noor Bakery",
		Voice:           "marin",
		OpenTimeout:     time.Second,
		LatencyInterval: -1,
		BlockSize:       4,
	}
	deps := session.Deps{
		Transports: f.tr.Factory(),
		Microphone: f.mic,
		Sink:       f.sink,
		Metrics:    metrics,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	f.sess = session.New(cfg, deps)
	t.Cleanup(f.sess.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func logged(s session.Snapshot, msg string) int {
	n := 0
	for _, e := range s.Log {
		if e.Message == msg {
			n++
		}
	}
	return n
}

// ── Scenarios ──────────────────────────────────────────────────────────────────

func TestSession_CreatedDeltaDone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.tr.EmitJSON(`{"type":"session.created","session":{"id":"sess_abc"}}`)
	snap := f.sess.Snapshot()
	if snap.Status != session.StatusConnected {
		t.Fatalf("status = %q, want connected", snap.Status)
	}
	if snap.ID != "sess_abc" {
		t.Errorf("id = %q, want sess_abc", snap.ID)
	}

	// Four zero samples.
	f.tr.EmitJSON(`{"type":"response.audio.delta","delta":"AAAAAAAAAAA="}`)
	if got := f.sess.Snapshot().Conversation; got != session.ConversationSpeaking {
		t.Errorf("conversation = %q, want speaking", got)
	}
	if !f.sink.WaitPlayed(1, 2*time.Second) {
		t.Fatal("playback queue did not render the frame")
	}
	played, _ := f.sink.Snapshot()
	if len(played) != 1 || !slices.Equal(played[0], []float32{0, 0, 0, 0}) {
		t.Errorf("played = %v, want one frame of 4 zero samples", played)
	}

	f.tr.EmitJSON(`{"type":"response.audio.done"}`)
	if got := f.sess.Snapshot().Conversation; got != session.ConversationIdle {
		t.Errorf("conversation = %q, want idle", got)
	}
}

func TestSession_SpeechStoppedCommitsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStarted})
	if got := f.sess.Snapshot().Conversation; got != session.ConversationListening {
		t.Errorf("conversation = %q, want listening", got)
	}
	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStopped})
	if got := f.sess.Snapshot().Conversation; got != session.ConversationIdle {
		t.Errorf("conversation = %q, want idle", got)
	}

	want := []string{realtime.TypeInputAudioCommit, realtime.TypeResponseCreate}
	if got := f.tr.ControlTypes(); !slices.Equal(got, want) {
		t.Fatalf("controls = %v, want %v", got, want)
	}
	if m := f.tr.Controls[1].Response.Modalities; !slices.Equal(m, []string{"text", "audio"}) {
		t.Errorf("modalities = %v", m)
	}
}

func TestSession_EmptyCommitIsRecoverable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStopped})
	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStopped})
	f.tr.EmitJSON(`{"type":"error","error":{"type":"invalid_request_error","code":"input_audio_buffer_commit_empty","message":"buffer too small"}}`)

	snap := f.sess.Snapshot()
	if snap.Status != session.StatusConnected {
		t.Errorf("status = %q, want connected", snap.Status)
	}
	if snap.Conversation != session.ConversationIdle {
		t.Errorf("conversation = %q, want idle", snap.Conversation)
	}
	if snap.ErrorMessage != "" {
		t.Errorf("error message = %q, want none", snap.ErrorMessage)
	}
	if f.tr.Closes() != 0 {
		t.Error("transport must stay open")
	}
}

func TestSession_FatalServiceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "with message",
			json: `{"type":"error","error":{"code":"server_error","message":"The server had an error"}}`,
			want: "AI service error: The server had an error",
		},
		{
			name: "without message",
			json: `{"type":"error","error":{"code":"rate_limit_exceeded"}}`,
			want: "An error occurred with the AI service. Please try again.",
		},
		{
			name: "without detail",
			json: `{"type":"error"}`,
			want: "An error occurred with the AI service. Please try again.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// The JSON handler formats error attributes through Error().
			f := newFixture(t, func(c *session.Config, _ *session.Deps) {
				c.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
			})
			f.start(t)

			f.tr.EmitJSON(tt.json)
			snap := f.sess.Snapshot()
			if snap.Status != session.StatusError {
				t.Fatalf("status = %q, want error", snap.Status)
			}
			if snap.ErrorMessage != tt.want || snap.ErrorKind != session.ErrorService {
				t.Errorf("error = %q (%s), want %q", snap.ErrorMessage, snap.ErrorKind, tt.want)
			}
			waitFor(t, "transport teardown", func() bool { return f.tr.Closes() == 1 })
			waitFor(t, "source teardown", func() bool { return f.src.Closes() == 1 })
		})
	}
}

func TestSession_MalformedAudioDeltaIsDropped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		delta string
	}{
		{name: "invalid base64", delta: "AAA"},
		{name: "odd byte count", delta: "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			f.start(t)
			f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStarted})

			f.tr.EmitJSON(`{"type":"response.audio.delta","delta":"` + tt.delta + `"}`)

			snap := f.sess.Snapshot()
			if snap.Status != session.StatusConnected {
				t.Errorf("status = %q, want connected", snap.Status)
			}
			if snap.Conversation != session.ConversationListening {
				t.Errorf("conversation = %q, want listening", snap.Conversation)
			}
			if snap.ErrorMessage != "" {
				t.Errorf("error message = %q, want none", snap.ErrorMessage)
			}
			if f.sink.WaitPlayed(1, 100*time.Millisecond) {
				t.Error("malformed delta reached the sink")
			}
			if f.tr.Closes() != 0 {
				t.Error("transport must stay open")
			}
		})
	}
}

func TestSession_RemoteCloseEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStarted})

	f.tr.EmitClose(transport.NewError("receive", transport.KindClosed, errors.New("EOF")))

	snap := f.sess.Snapshot()
	if snap.Status != session.StatusError || snap.ErrorKind != session.ErrorTransport {
		t.Fatalf("status = %q/%q, want error/transport", snap.Status, snap.ErrorKind)
	}
	if snap.Conversation != session.ConversationIdle {
		t.Errorf("conversation sub-state not discarded: %q", snap.Conversation)
	}
	if !strings.Contains(snap.ErrorMessage, "Connection failed") {
		t.Errorf("error message = %q", snap.ErrorMessage)
	}
	waitFor(t, "transport teardown", func() bool { return f.tr.Closes() == 1 })

	// Events from the dead run are ignored.
	f.tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStarted})
	if got := f.sess.Snapshot().Conversation; got != session.ConversationIdle {
		t.Errorf("stale event changed conversation to %q", got)
	}
}

// ── Start failures ─────────────────────────────────────────────────────────────

func TestSession_OpenFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tr.OpenErr = transport.NewError("open", transport.KindRejected, errors.New("status 401"))

	err := f.sess.Start(t.Context())
	if transport.KindOf(err) != transport.KindRejected {
		t.Fatalf("err = %v, want rejected transport error", err)
	}
	snap := f.sess.Snapshot()
	if snap.Status != session.StatusError {
		t.Errorf("status = %q, want error", snap.Status)
	}
	if f.tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", f.tr.Closes())
	}
	if f.mic.Opens() != 0 {
		t.Error("microphone must not be opened when the transport fails")
	}
}

func TestSession_OpenTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config, _ *session.Deps) { c.OpenTimeout = 50 * time.Millisecond })
	f.tr.OpenDelay = 5 * time.Second

	start := time.Now()
	err := f.sess.Start(t.Context())
	if transport.KindOf(err) != transport.KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Start did not honour the open timeout")
	}
	if got := f.sess.Snapshot().Status; got != session.StatusError {
		t.Errorf("status = %q, want error", got)
	}
}

func TestSession_MicrophoneFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want audio.DeviceErrorKind
	}{
		{"permission", audio.ErrPermissionDenied, audio.DeviceErrorPermission},
		{"not found", audio.ErrDeviceNotFound, audio.DeviceErrorNotFound},
		{"generic", errors.New("device busy"), audio.DeviceErrorGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			f.mic.OpenErr = tt.err

			err := f.sess.Start(t.Context())
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			snap := f.sess.Snapshot()
			if snap.Status != session.StatusError || snap.ErrorKind != session.ErrorDevice {
				t.Errorf("status = %q/%q", snap.Status, snap.ErrorKind)
			}
			if snap.ErrorMessage != tt.want.Message() {
				t.Errorf("message = %q, want %q", snap.ErrorMessage, tt.want.Message())
			}
			if f.tr.Closes() != 1 || f.tr.IsOpen() {
				t.Error("transport must be torn down after a microphone failure")
			}
		})
	}
}

func TestSession_StopWhileConnecting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config, _ *session.Deps) { c.OpenTimeout = 10 * time.Second })
	f.tr.OpenDelay = 10 * time.Second

	errc := make(chan error, 1)
	go func() { errc <- f.sess.Start(context.Background()) }()
	waitFor(t, "connecting", func() bool { return f.sess.Snapshot().Status == session.StatusConnecting })

	f.sess.Stop()
	select {
	case err := <-errc:
		if !errors.Is(err, session.ErrStopped) {
			t.Errorf("Start returned %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not abort the pending open")
	}
	if got := f.sess.Snapshot().Status; got != session.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
	if f.tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", f.tr.Closes())
	}
}

func TestSession_AlreadyActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	if err := f.sess.Start(t.Context()); !errors.Is(err, session.ErrAlreadyActive) {
		t.Errorf("second Start = %v, want ErrAlreadyActive", err)
	}
	if len(f.tr.Params) != 1 {
		t.Errorf("factory called %d times, want 1", len(f.tr.Params))
	}
}

func TestSession_MissingDependencies(t *testing.T) {
	t.Parallel()
	s := session.New(session.Config{}, session.Deps{})
	if err := s.Start(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Snapshot().Status; got != session.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
}

// ── Stop ───────────────────────────────────────────────────────────────────────

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.tr.EmitJSON(`{"type":"response.audio_transcript.delta","delta":"Hello"}`)

	f.sess.Stop()
	f.sess.Stop()

	snap := f.sess.Snapshot()
	if snap.Status != session.StatusIdle || snap.Conversation != session.ConversationIdle {
		t.Errorf("state = %q/%q, want idle/idle", snap.Status, snap.Conversation)
	}
	if snap.Transcript != "" || len(snap.Entries) != 0 || snap.ID != "" {
		t.Errorf("run state not cleared: %+v", snap)
	}
	if f.tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", f.tr.Closes())
	}
	if f.src.Closes() != 1 {
		t.Errorf("source closes = %d, want 1", f.src.Closes())
	}
	if n := logged(snap, "Session ended"); n != 1 {
		t.Errorf("'Session ended' logged %d times, want 1", n)
	}
}

func TestSession_StopFromEveryState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{"idle", func(*testing.T, *fixture) {}},
		{"connected", func(t *testing.T, f *fixture) { f.start(t) }},
		{"error", func(t *testing.T, f *fixture) {
			f.start(t)
			f.tr.EmitClose(errors.New("reset by peer"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			tt.setup(t, f)
			f.sess.Stop()
			snap := f.sess.Snapshot()
			if snap.Status != session.StatusIdle || snap.ErrorMessage != "" {
				t.Errorf("after Stop: %q %q", snap.Status, snap.ErrorMessage)
			}
			if f.tr.Closes() > 1 {
				t.Errorf("transport closed %d times", f.tr.Closes())
			}
		})
	}
}

func TestSession_NoCaptureAfterStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.src.Push([]float32{0.1, 0.2, 0.3, 0.4})
	waitFor(t, "captured chunk", func() bool { return f.tr.AudioCount() == 1 })

	f.sess.Stop()
	if f.src.Push([]float32{0, 0, 0, 0}) {
		t.Error("microphone source still open after Stop")
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.tr.AudioCount(); n != 1 {
		t.Errorf("audio frames sent = %d, want 1", n)
	}
}

func TestSession_RestartAfterError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.tr.EmitJSON(`{"type":"error","error":{"message":"boom"}}`)
	if got := f.sess.Snapshot().Status; got != session.StatusError {
		t.Fatalf("status = %q, want error", got)
	}

	f.mic.OpenResult = audiomock.NewSource(4)
	f.start(t)
	snap := f.sess.Snapshot()
	if snap.Status != session.StatusConnected || snap.ErrorMessage != "" {
		t.Errorf("after restart: %q %q", snap.Status, snap.ErrorMessage)
	}
	if len(f.tr.Params) != 2 {
		t.Errorf("runs = %d, want 2", len(f.tr.Params))
	}
	if f.src.Closes() != 1 {
		t.Errorf("first run source closes = %d, want 1", f.src.Closes())
	}
}

// ── Observation ────────────────────────────────────────────────────────────────

func TestSession_Transcript(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.tr.EmitJSON(`{"type":"response.audio_transcript.delta","delta":"Welcome to "}`)
	f.tr.EmitJSON(`{"type":"response.audio_transcript.delta","delta":"Al Noor"}`)
	f.tr.EmitJSON(`{"type":"response.audio_transcript.done","transcript":"Welcome to Al Noor Bakery."}`)
	f.tr.EmitJSON(`{"type":"conversation.item.input_audio_transcription.completed","transcript":" Do you have croissants? "}`)
	f.tr.EmitJSON(`{"type":"response.audio_transcript.delta","delta":"Yes."}`)

	snap := f.sess.Snapshot()
	if snap.Transcript != "Welcome to Al NoorYes." {
		t.Errorf("transcript = %q", snap.Transcript)
	}
	want := []session.TranscriptEntry{
		{Seq: 1, Speaker: session.SpeakerAgent, Text: "Welcome to Al Noor Bakery."},
		{Seq: 2, Speaker: session.SpeakerCaller, Text: "Do you have croissants?"},
		{Seq: 3, Speaker: session.SpeakerAgent, Text: "Yes."},
	}
	if !slices.Equal(snap.Entries, want) {
		t.Errorf("entries = %+v, want %+v", snap.Entries, want)
	}
}

func TestSession_SubscribeAndVoice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	var (
		mu       sync.Mutex
		statuses []session.ConnectionStatus
	)
	cancel := f.sess.Subscribe(func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
			statuses = append(statuses, s.Status)
		}
	})

	f.sess.SetVoice("alloy")
	f.start(t)
	if got := f.tr.Params[0]; got.Voice != "alloy" || got.Company != "Al Noor Bakery" || got.Sink == nil {
		t.Errorf("params = %+v", got)
	}
	f.sess.Stop()
	cancel()
	f.sess.SetVoice("marin")

	mu.Lock()
	defer mu.Unlock()
	want := []session.ConnectionStatus{session.StatusIdle, session.StatusConnecting, session.StatusConnected, session.StatusIdle}
	if !slices.Equal(statuses, want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}
}

func TestSession_LatencySampling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config, _ *session.Deps) { c.LatencyInterval = 10 * time.Millisecond })
	f.tr.PingResult = 42 * time.Millisecond
	f.start(t)

	waitFor(t, "latency sample", func() bool { return f.sess.Snapshot().Latency == 42*time.Millisecond })

	f.sess.Stop()
	pings := f.tr.CallCountPing
	time.Sleep(40 * time.Millisecond)
	if f.tr.CallCountPing != pings {
		t.Error("sampler kept running after Stop")
	}
	if f.sess.Snapshot().Latency != 0 {
		t.Error("latency not cleared by Stop")
	}
}

func TestSession_RecordsTransitions(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(_ *session.Config, d *session.Deps) { d.Metrics = metrics })
	f.start(t)
	f.sess.Stop()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "frontdesk.session.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				from, _ := dp.Attributes.Value("from")
				to, _ := dp.Attributes.Value("to")
				got[from.AsString()+">"+to.AsString()] += dp.Value
			}
		}
	}
	for _, k := range []string{"idle>connecting", "connecting>connected", "connected>idle"} {
		if got[k] != 1 {
			t.Errorf("transition %s recorded %d times, want 1 (all: %v)", k, got[k], got)
		}
	}
}
